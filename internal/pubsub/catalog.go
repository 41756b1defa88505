package pubsub

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// AllTopic 是兜底主题：订阅它的用户会收到所有 alerts.* 消息。
const AllTopic = "alerts.all"

// NamespacePrefix 是告警主题的统一前缀。
const NamespacePrefix = "alerts."

// Topic 描述一个已知主题。
type Topic struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var defaultTopics = []Topic{
	{Name: "alerts.all", Description: "All security alerts"},
	{Name: "alerts.critical", Description: "Critical severity alerts"},
	{Name: "alerts.high", Description: "High severity alerts"},
	{Name: "alerts.cms", Description: "CMS vulnerabilities"},
	{Name: "alerts.framework", Description: "Framework vulnerabilities"},
	{Name: "alerts.plugin", Description: "Plugin/Module vulnerabilities"},
	{Name: "alerts.shopping_cart", Description: "Shopping cart vulnerabilities"},
	{Name: "alerts.forum", Description: "Forum software vulnerabilities"},
	{Name: "alerts.sqli", Description: "SQL Injection vulnerabilities"},
	{Name: "alerts.xss", Description: "Cross-Site Scripting vulnerabilities"},
	{Name: "alerts.rce", Description: "Remote Code Execution vulnerabilities"},
}

// TopicCatalog 记录当前已知的主题集合，通配订阅按它展开。
type TopicCatalog struct {
	mu     sync.RWMutex
	topics map[string]Topic
}

// NewTopicCatalog 返回空目录。
func NewTopicCatalog() *TopicCatalog {
	return &TopicCatalog{topics: make(map[string]Topic)}
}

// DefaultCatalog 返回预置 11 个告警主题的目录。
func DefaultCatalog() *TopicCatalog {
	c := NewTopicCatalog()
	for _, topic := range defaultTopics {
		c.MustRegister(topic)
	}
	return c
}

func normalizeTopic(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register 将主题加入目录，重复名称会返回错误。
func (c *TopicCatalog) Register(topic Topic) error {
	name := normalizeTopic(topic.Name)
	if name == "" {
		return fmt.Errorf("topic name is required")
	}
	if strings.HasSuffix(name, "*") {
		return fmt.Errorf("topic %s: wildcard topics cannot be registered", name)
	}
	topic.Name = name

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.topics[name]; exists {
		return fmt.Errorf("topic %s already registered", name)
	}
	c.topics[name] = topic
	return nil
}

// MustRegister 在注册失败时 panic，适合初始化阶段调用。
func (c *TopicCatalog) MustRegister(topic Topic) {
	if err := c.Register(topic); err != nil {
		panic(err)
	}
}

// Ensure 在主题不存在时以空描述登记，返回是否新增。
func (c *TopicCatalog) Ensure(name string) bool {
	name = normalizeTopic(name)
	if name == "" || strings.HasSuffix(name, "*") {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.topics[name]; exists {
		return false
	}
	c.topics[name] = Topic{Name: name}
	return true
}

// Resolve 返回指定主题，名称大小写不敏感。
func (c *TopicCatalog) Resolve(name string) (Topic, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topic, ok := c.topics[normalizeTopic(name)]
	return topic, ok
}

// List 返回按名称排序的主题列表。
func (c *TopicCatalog) List() []Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Topic, 0, len(c.topics))
	for _, topic := range c.topics {
		result = append(result, topic)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Keys 返回所有主题名称。
func (c *TopicCatalog) Keys() []string {
	items := c.List()
	result := make([]string, len(items))
	for i, topic := range items {
		result[i] = topic.Name
	}
	return result
}

// matching 返回以 prefix 开头的所有已知主题。
func (c *TopicCatalog) matching(prefix string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []string
	for name := range c.topics {
		if strings.HasPrefix(name, prefix) {
			result = append(result, name)
		}
	}
	sort.Strings(result)
	return result
}
