// Package biliapi contains minimal helpers to interact with the platform's
// live APIs: resolving a room to its metadata and obtaining the token plus
// host candidates needed to open a danmaku push connection.
package biliapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

const defaultBaseURL = "https://api.live.bilibili.com"

const browserUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// codeRateLimited is the upstream status the anti-abuse layer returns when it
// suspects automated traffic. It needs a much longer backoff than a plain error.
const codeRateLimited = -352

// Client talks to the live APIs. Zero value is not usable; set Cookie as needed.
type Client struct {
	BaseURL    string // override for tests; defaults to the production endpoint
	Cookie     string
	HTTPClient *http.Client
}

// RoomInfo is the resolved connection metadata for one room.
type RoomInfo struct {
	RoomID     string
	Title      string
	OwnerID    int64
	OwnerName  string
	LiveStatus int // 1 = live
}

// Live reports whether the room is currently broadcasting.
func (r RoomInfo) Live() bool { return r.LiveStatus == 1 }

// Host is one candidate frontend for the push connection.
type Host struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	WssPort int    `json:"wss_port"`
	WsPort  int    `json:"ws_port"`
}

// ConnectInfo carries the short-lived token and the candidate host list.
type ConnectInfo struct {
	Token string
	Hosts []Host
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) base() string {
	if c.BaseURL != "" {
		return c.BaseURL
	}
	return defaultBaseURL
}

func (c *Client) get(ctx context.Context, path string, query url.Values, roomID string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = query.Encode()
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Referer", "https://live.bilibili.com/"+roomID)
	req.Header.Set("Origin", "https://live.bilibili.com")
	if c.Cookie != "" {
		req.Header.Set("Cookie", c.Cookie)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &UpstreamError{Op: path, Code: resp.StatusCode, Message: resp.Status, RateLimited: resp.StatusCode == http.StatusTooManyRequests}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// GetRoomInfo resolves a room id to its metadata and live status. Two calls:
// the room endpoint has no owner name, so the anchor endpoint supplies it.
func (c *Client) GetRoomInfo(ctx context.Context, roomID string) (RoomInfo, error) {
	var body struct {
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Data    struct {
			RoomID     int64  `json:"room_id"`
			Title      string `json:"title"`
			UID        int64  `json:"uid"`
			LiveStatus int    `json:"live_status"`
		} `json:"data"`
	}
	q := url.Values{"room_id": {roomID}}
	if err := c.get(ctx, "/room/v1/Room/get_info", q, roomID, &body); err != nil {
		return RoomInfo{}, fmt.Errorf("get room info: %w", err)
	}
	if body.Code != 0 {
		return RoomInfo{}, upstreamErr("get room info", body.Code, firstNonEmpty(body.Message, body.Msg))
	}

	info := RoomInfo{
		RoomID:     fmt.Sprintf("%d", body.Data.RoomID),
		Title:      body.Data.Title,
		OwnerID:    body.Data.UID,
		LiveStatus: body.Data.LiveStatus,
	}

	var anchor struct {
		Code int `json:"code"`
		Data struct {
			Info struct {
				Uname string `json:"uname"`
			} `json:"info"`
		} `json:"data"`
	}
	q = url.Values{"roomid": {info.RoomID}}
	if err := c.get(ctx, "/live_user/v1/UserInfo/get_anchor_in_room", q, roomID, &anchor); err == nil && anchor.Data.Info.Uname != "" {
		info.OwnerName = anchor.Data.Info.Uname
	} else {
		info.OwnerName = "Unknown"
	}
	return info, nil
}

// GetConnectInfo obtains the auth token and host candidates, trying the
// current endpoint first and falling back to the legacy one. A rate-limit
// rejection from the primary aborts immediately: retrying the legacy path
// during active throttling only digs the hole deeper.
func (c *Client) GetConnectInfo(ctx context.Context, roomID string) (ConnectInfo, error) {
	info, err := c.getDanmuInfo(ctx, roomID)
	if err == nil {
		return info, nil
	}
	if IsRateLimited(err) {
		return ConnectInfo{}, err
	}
	legacy, lerr := c.getLegacyConf(ctx, roomID)
	if lerr != nil {
		return ConnectInfo{}, fmt.Errorf("connect info: primary: %v; legacy: %w", err, lerr)
	}
	return legacy, nil
}

func (c *Client) getDanmuInfo(ctx context.Context, roomID string) (ConnectInfo, error) {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Token    string `json:"token"`
			HostList []Host `json:"host_list"`
		} `json:"data"`
	}
	q := url.Values{"id": {roomID}, "type": {"0"}}
	if err := c.get(ctx, "/xlive/web-room/v1/index/getDanmuInfo", q, roomID, &body); err != nil {
		return ConnectInfo{}, err
	}
	if body.Code != 0 {
		return ConnectInfo{}, upstreamErr("get danmu info", body.Code, body.Message)
	}
	return ConnectInfo{Token: body.Data.Token, Hosts: body.Data.HostList}, nil
}

func (c *Client) getLegacyConf(ctx context.Context, roomID string) (ConnectInfo, error) {
	var body struct {
		Code    int    `json:"code"`
		Msg     string `json:"msg"`
		Message string `json:"message"`
		Data    struct {
			Token    string `json:"token"`
			HostList []Host `json:"host_server_list"`
		} `json:"data"`
	}
	q := url.Values{"room_id": {roomID}, "platform": {"pc"}, "player": {"web"}}
	if err := c.get(ctx, "/room/v1/Danmu/getConf", q, roomID, &body); err != nil {
		return ConnectInfo{}, err
	}
	if body.Code != 0 {
		return ConnectInfo{}, upstreamErr("get danmu conf", body.Code, firstNonEmpty(body.Message, body.Msg))
	}
	return ConnectInfo{Token: body.Data.Token, Hosts: body.Data.HostList}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
