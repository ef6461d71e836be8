package service

import "github.com/elijah-farrell/nexuschat-sub001/internal/events"

// Router 是投递层的最小契约：把一个事件推给一组接收者的全部在线连接。
// skipConnID 非空时跳过该连接，用于抑制 WebSocket 发送方收到自己的回显
// （发送方的其他设备仍然收到）。没有在线连接的接收者直接丢弃，离线补偿
// 走历史拉取。
type Router interface {
	Publish(e events.Event, recipients []uint, skipConnID string)
}

// NopRouter 供测试与不需要实时投递的场景使用。
type NopRouter struct{}

func (NopRouter) Publish(events.Event, []uint, string) {}
