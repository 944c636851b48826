package workflow

import (
	"sync"
)

// EventHandler 事件回调
type EventHandler func(event Event)

// EventBus Subscribe 的公共接口, EventAggregator 和 Engine 都实现了它
type EventBus interface {
	Subscribe(owner any, kind EventKind, handler EventHandler) *Subscription
	UnsubscribeAll(owner any)
}

// SubscribeTo 按 payload 类型订阅, kind 由 T 推导
//
//	workflow.SubscribeTo(engine, ui, func(e *workflow.ProgressChangedEvent) { ... })
func SubscribeTo[T Event](bus EventBus, owner any, handler func(T)) *Subscription {
	var zero T
	return bus.Subscribe(owner, zero.Kind(), func(event Event) {
		if typed, ok := event.(T); ok {
			handler(typed)
		}
	})
}

// EventAggregator 进程内同步的发布订阅总线, 每种事件一个 channel, 第一次使用时创建
type EventAggregator struct {
	mu       sync.Mutex
	channels map[EventKind]*EventChannel
	owners   map[any][]*Subscription
}

var _ EventBus = (*EventAggregator)(nil)

func NewEventAggregator() *EventAggregator {
	return &EventAggregator{
		channels: make(map[EventKind]*EventChannel),
		owners:   make(map[any][]*Subscription),
	}
}

// Channel 返回 kind 对应的 channel, 不存在时创建
func (a *EventAggregator) Channel(kind EventKind) *EventChannel {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[kind]
	if !ok {
		ch = &EventChannel{kind: kind}
		a.channels[kind] = ch
	}
	return ch
}

// Subscribe owner 可以为 nil, 非 nil 时必须是可比较的值(一般是指针), 用于 UnsubscribeAll
func (a *EventAggregator) Subscribe(owner any, kind EventKind, handler EventHandler) *Subscription {
	sub := a.Channel(kind).subscribe(owner, handler)
	if owner != nil {
		a.mu.Lock()
		a.owners[owner] = append(a.owners[owner], sub)
		a.mu.Unlock()
	}
	return sub
}

// UnsubscribeAll 撤销 owner 在所有 channel 上的订阅
func (a *EventAggregator) UnsubscribeAll(owner any) {
	if owner == nil {
		return
	}
	a.mu.Lock()
	subs := a.owners[owner]
	delete(a.owners, owner)
	a.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Publish 在当前 goroutine 上按订阅顺序同步调用所有订阅者, 订阅者的 panic 不会被捕获
func (a *EventAggregator) Publish(event Event) {
	if event == nil {
		return
	}
	a.Channel(event.Kind()).Publish(event)
}

// SubscriberCount 当前 kind 的订阅者数量
func (a *EventAggregator) SubscriberCount(kind EventKind) int {
	return a.Channel(kind).Len()
}

type EventChannel struct {
	kind   EventKind
	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription
}

func (c *EventChannel) Kind() EventKind {
	return c.kind
}

func (c *EventChannel) subscribe(owner any, handler EventHandler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &Subscription{id: c.nextID, owner: owner, handler: handler, channel: c}
	c.subs = append(c.subs, sub)
	return sub
}

func (c *EventChannel) remove(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, sub := range c.subs {
		if sub.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *EventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Publish 先拷贝订阅者列表再调用, 回调里面可以安全地订阅或退订
func (c *EventChannel) Publish(event Event) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, sub := range subs {
		if sub.handler != nil {
			sub.handler(event)
		}
	}
}

// Subscription Subscribe 返回的句柄
type Subscription struct {
	id      uint64
	owner   any
	handler EventHandler
	channel *EventChannel
	once    sync.Once
}

func (s *Subscription) Kind() EventKind {
	return s.channel.kind
}

// Unsubscribe 可以重复调用
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.channel.remove(s.id)
	})
}
