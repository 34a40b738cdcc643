// Package zktest 提供内存版的 ZooKeeper 连接, 用于测试分布式锁
package zktest

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/go-zookeeper/zk"
	"github.com/google/uuid"
)

// Conn 在内存中模拟节点树, 满足 zookeeper.Conn
type Conn struct {
	mu        sync.Mutex
	nodes     map[string]bool // 值为 true 表示临时节点
	sequences map[string]int
	// Err 非空时所有操作都返回该错误
	Err error
}

func NewConn() *Conn {
	return &Conn{
		nodes:     map[string]bool{"/": false},
		sequences: make(map[string]int),
	}
}

func (c *Conn) Exists(p string) (bool, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return false, nil, c.Err
	}
	_, ok := c.nodes[p]
	return ok, &zk.Stat{}, nil
}

func (c *Conn) Create(p string, _ []byte, flags int32, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	return c.createLocked(p, flags&zk.FlagEphemeral != 0)
}

func (c *Conn) CreateProtectedEphemeralSequential(p string, _ []byte, _ []zk.ACL) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	parent, prefix := path.Split(p)
	parent = strings.TrimSuffix(parent, "/")
	seq := c.sequences[parent]
	c.sequences[parent] = seq + 1
	name := fmt.Sprintf("%s/_c_%s-%s%010d", parent, strings.ReplaceAll(uuid.NewString(), "-", ""), prefix, seq)
	return c.createLocked(name, true)
}

func (c *Conn) createLocked(p string, ephemeral bool) (string, error) {
	if _, ok := c.nodes[p]; ok {
		return "", zk.ErrNodeExists
	}
	parent := path.Dir(p)
	if _, ok := c.nodes[parent]; !ok {
		return "", zk.ErrNoNode
	}
	c.nodes[p] = ephemeral
	return p, nil
}

func (c *Conn) Children(p string) ([]string, *zk.Stat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, nil, c.Err
	}
	if _, ok := c.nodes[p]; !ok {
		return nil, nil, zk.ErrNoNode
	}
	var children []string
	for n := range c.nodes {
		if n != p && path.Dir(n) == p {
			children = append(children, path.Base(n))
		}
	}
	return children, &zk.Stat{}, nil
}

func (c *Conn) Delete(p string, _ int32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if _, ok := c.nodes[p]; !ok {
		return zk.ErrNoNode
	}
	delete(c.nodes, p)
	return nil
}

// ExpireSession 删除所有临时节点, 效果等同于会话过期
func (c *Conn) ExpireSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for n, ephemeral := range c.nodes {
		if ephemeral {
			delete(c.nodes, n)
		}
	}
}

// Nodes 返回 p 下的子节点数量
func (c *Conn) Nodes(p string) int {
	children, _, _ := c.Children(p)
	return len(children)
}
