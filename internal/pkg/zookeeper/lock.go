// internal/pkg/zookeeper/lock.go
package zookeeper

import (
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
	"github.com/pkg/errors"
)

// 顺序节点名以 10 位序号结尾
const sequenceLen = 10

// DistributedLock 基于临时顺序节点的互斥锁。
// 序号最小的节点持有锁, 会话断开时节点自动删除, 锁随之释放。
type DistributedLock struct {
	conn     Conn
	path     string // 锁的路径, 例如 /distributed_locks/inventory-reaper
	lockNode string // 成功获取锁后, 自己创建的节点路径
}

// NewDistributedLock 确保 root/resourceID 路径存在
func NewDistributedLock(conn Conn, root, resourceID string) (*DistributedLock, error) {
	lockPath := strings.TrimSuffix(root, "/") + "/" + resourceID
	if err := ensurePath(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

func ensurePath(conn Conn, path string) error {
	current := ""
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		current += "/" + part
		ok, _, err := conn.Exists(current)
		if err != nil {
			return errors.Wrapf(err, "zookeeper: check node %s", current)
		}
		if ok {
			continue
		}
		_, err = conn.Create(current, []byte(""), 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return errors.Wrapf(err, "zookeeper: create node %s", current)
		}
	}
	return nil
}

// TryLock 不等待: 自己的节点不是最小的就撤回节点并返回 false
func (l *DistributedLock) TryLock() (bool, error) {
	if l.lockNode != "" {
		return false, errors.New("zookeeper: lock already held by this instance")
	}

	node, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte(""), zk.WorldACL(zk.PermAll))
	if err != nil {
		return false, errors.Wrap(err, "zookeeper: create sequential node")
	}

	children, _, err := l.conn.Children(l.path)
	if err != nil {
		_ = l.conn.Delete(node, -1)
		return false, errors.Wrap(err, "zookeeper: list lock nodes")
	}
	sortBySequence(children)

	myNodeName := strings.TrimPrefix(node, l.path+"/")
	if len(children) > 0 && children[0] == myNodeName {
		l.lockNode = node
		return true, nil
	}

	if err := l.conn.Delete(node, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return false, errors.Wrap(err, "zookeeper: withdraw sequential node")
	}
	return false, nil
}

// Held 检查自己的节点是否仍然存在, 会话过期后返回 false
func (l *DistributedLock) Held() (bool, error) {
	if l.lockNode == "" {
		return false, nil
	}
	ok, _, err := l.conn.Exists(l.lockNode)
	if err != nil {
		return false, errors.Wrap(err, "zookeeper: check lock node")
	}
	return ok, nil
}

// Unlock 释放锁
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("zookeeper: no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && !errors.Is(err, zk.ErrNoNode) {
		return errors.Wrap(err, "zookeeper: delete lock node")
	}
	l.lockNode = ""
	return nil
}

// 受保护节点带有 _c_<guid>- 前缀, 只能按末尾序号排序
func sortBySequence(children []string) {
	sort.Slice(children, func(i, j int) bool {
		return sequenceOf(children[i]) < sequenceOf(children[j])
	})
}

func sequenceOf(name string) string {
	if len(name) < sequenceLen {
		return name
	}
	return name[len(name)-sequenceLen:]
}
