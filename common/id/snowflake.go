package id

import (
	"sync"

	"github.com/bwmarrin/snowflake"
)

var (
	node *snowflake.Node
	once sync.Once
)

// Generator produces row ids. Stores take one so tests can pin ids.
type Generator func() int64

// Init initializes the Snowflake node with the given node ID.
// Every worker process of a deployment needs its own node ID (NODE_ID).
func Init(nodeID int64) error {
	var err error
	once.Do(func() {
		node, err = snowflake.NewNode(nodeID)
	})
	return err
}

// New generates a new time-ordered int64 ID. Init must have been called.
func New() int64 {
	return node.Generate().Int64()
}

// Sequence returns a Generator counting up from start. Used in tests.
func Sequence(start int64) Generator {
	var mu sync.Mutex
	next := start
	return func() int64 {
		mu.Lock()
		defer mu.Unlock()
		v := next
		next++
		return v
	}
}
