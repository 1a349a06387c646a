package cache

import (
	"container/list"
	"sync"
	"time"
)

const defaultLRUSize = 128

type LRUOpts struct {
	Size int
	// TTL applies to entries put without WithTTL. Zero keeps them until evicted.
	TTL time.Duration
	Now func() time.Time
}

type entry struct {
	key     string
	val     any
	expires time.Time
}

// LRU evicts the least recently used entry once Size is exceeded. It is safe
// for concurrent use.
type LRU struct {
	mu    sync.Mutex
	size  int
	ttl   time.Duration
	now   func() time.Time
	ll    *list.List
	items map[string]*list.Element
}

func NewLRU(opts LRUOpts) *LRU {
	if opts.Size <= 0 {
		opts.Size = defaultLRUSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LRU{
		size:  opts.Size,
		ttl:   opts.TTL,
		now:   opts.Now,
		ll:    list.New(),
		items: map[string]*list.Element{},
	}
}

func (l *LRU) Get(key string) (any, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	el, ok := l.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if !e.expires.IsZero() && !l.now().Before(e.expires) {
		l.remove(el)
		return nil, false
	}
	l.ll.MoveToFront(el)
	return e.val, true
}

func (l *LRU) Put(key string, val any, opts ...PutOption) {
	o := PutOptions{TTL: l.ttl}
	for _, opt := range opts {
		opt(&o)
	}
	var expires time.Time
	if o.TTL > 0 {
		expires = l.now().Add(o.TTL)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		e := el.Value.(*entry)
		e.val, e.expires = val, expires
		l.ll.MoveToFront(el)
		return
	}
	l.items[key] = l.ll.PushFront(&entry{key: key, val: val, expires: expires})
	if l.ll.Len() > l.size {
		l.remove(l.ll.Back())
	}
}

func (l *LRU) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if el, ok := l.items[key]; ok {
		l.remove(el)
	}
}

func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ll.Len()
}

func (l *LRU) remove(el *list.Element) {
	l.ll.Remove(el)
	delete(l.items, el.Value.(*entry).key)
}

var _ Cache = (*LRU)(nil)
