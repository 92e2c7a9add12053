package policy

import (
	"container/list"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"
)

// decisionCache is a small TTL'd LRU keyed on the evaluated input.
type decisionCache struct {
	cap  int
	ttl  time.Duration
	mu   sync.Mutex
	list *list.List               // MRU at front
	m    map[string]*list.Element // key -> element
}

type cacheEntry struct {
	key       string
	expiresAt time.Time
	decision  *Decision
}

func newDecisionCache(cap int, ttl time.Duration) *decisionCache {
	if cap <= 0 {
		cap = 1024
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &decisionCache{
		cap:  cap,
		ttl:  ttl,
		list: list.New(),
		m:    make(map[string]*list.Element),
	}
}

func (c *decisionCache) makeKey(input *Input) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Text)))
	keys := make([]string, 0, len(input.Context))
	for k := range input.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte("|" + k + "=" + input.Context[k]))
	}
	return fmt.Sprintf("%s|%s|%x", input.InputType, input.RiskLevel, h.Sum64())
}

func (c *decisionCache) Get(input *Input) (*Decision, bool) {
	key := c.makeKey(input)
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.m[key]
	if !ok {
		return nil, false
	}
	ce := el.Value.(cacheEntry)
	if ce.expiresAt.After(now) {
		c.list.MoveToFront(el)
		return ce.decision, true
	}
	// expired
	c.list.Remove(el)
	delete(c.m, key)
	return nil, false
}

func (c *decisionCache) Set(input *Input, d *Decision) {
	key := c.makeKey(input)
	entry := cacheEntry{key: key, expiresAt: time.Now().Add(c.ttl), decision: d}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.m[key]; ok {
		el.Value = entry
		c.list.MoveToFront(el)
		return
	}
	c.m[key] = c.list.PushFront(entry)
	if c.list.Len() > c.cap {
		lru := c.list.Back()
		delete(c.m, lru.Value.(cacheEntry).key)
		c.list.Remove(lru)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.list.Init()
	c.m = make(map[string]*list.Element)
}

func (c *decisionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.list.Len()
}
