// Package events 提供发布即忘的事件总线。事件在进程内分发给本地订阅者，
// 同时投递到 Redis、RabbitMQ 等外部传输；外部传输也可作为订阅来源，
// 用于接收其他进程观察到的市场挑战。
package events
