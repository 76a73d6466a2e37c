// Package messaging carries the typed messages exchanged between the
// lifecycle host and connected pages. Pages and the host never share
// state; every exchange goes through a Hub channel or the host inbox.
package messaging

import (
	"encoding/json"
	"strings"
)

// Type 是消息类型标签。
type Type string

const (
	// TypeUpdateAvailable 由 host 在新 worker 激活后发给每个页面。
	TypeUpdateAvailable Type = "update-available"
	// TypeActivateNow 由页面发给 host，要求等待中的 worker 立即激活。
	TypeActivateNow Type = "activate-now"
)

// Message 是线上 JSON 结构：{"type":"activate-now"}。
type Message struct {
	Type Type `json:"type"`
}

// Envelope 是进入 host inbox 的消息，附带发送方客户端 ID（可为空）。
type Envelope struct {
	ClientID string
	Message  Message
}

// Parse 解码页面发来的 JSON。类型名大小写不敏感，统一为规范写法。
// 无法识别的类型返回 ok=false 且 err=nil，由调用方忽略；JSON 本身非法时返回 err。
func Parse(raw []byte) (msg Message, ok bool, err error) {
	var wire struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return Message{}, false, err
	}
	switch Type(strings.ToLower(strings.TrimSpace(wire.Type))) {
	case TypeActivateNow:
		return Message{Type: TypeActivateNow}, true, nil
	case TypeUpdateAvailable:
		return Message{Type: TypeUpdateAvailable}, true, nil
	}
	return Message{}, false, nil
}

// Encode 返回消息的 JSON 编码。
func (m Message) Encode() []byte {
	raw, _ := json.Marshal(m)
	return raw
}
