// Package sandbox implements the locked-down executor (§4.2): it runs
// an approved DAG layer by layer, resolving each node's inputs and
// evaluating its code body as a restricted expr-lang expression in a
// fresh environment.
package sandbox

import (
	"container/list"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ProgramCache is a thread-safe LRU cache of compiled expr-lang
// programs, adapted from the teacher's condition cache so a node's
// code body is compiled once and reused across executions (different
// questions may reuse identical generated snippets).
type ProgramCache struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List
	mu       sync.Mutex
}

type programCacheEntry struct {
	key     string
	program *vm.Program
}

// NewProgramCache creates a cache with the given capacity (0 defaults
// to 256).
func NewProgramCache(capacity int) *ProgramCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &ProgramCache{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// get holds the write lock: a hit promotes the entry to the front of
// the LRU list, which mutates it, so a read lock is not enough when
// the cache is shared across loops.
func (c *ProgramCache) get(code string) (*vm.Program, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.cache[code]; ok {
		c.lruList.MoveToFront(el)
		return el.Value.(*programCacheEntry).program, true
	}
	return nil, false
}

func (c *ProgramCache) put(code string, program *vm.Program) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.cache[code]; ok {
		c.lruList.MoveToFront(el)
		el.Value.(*programCacheEntry).program = program
		return
	}
	el := c.lruList.PushFront(&programCacheEntry{key: code, program: program})
	c.cache[code] = el
	if c.lruList.Len() > c.capacity {
		oldest := c.lruList.Back()
		if oldest != nil {
			c.lruList.Remove(oldest)
			delete(c.cache, oldest.Value.(*programCacheEntry).key)
		}
	}
}

// CompileAndCache compiles a node's code body against a representative
// environment, caching the compiled program by source text. Since
// node environments are always map[string]any, compilation is
// structurally identical regardless of the particular values passed,
// so caching by code text alone is sound.
func (c *ProgramCache) CompileAndCache(code string, env map[string]any) (*vm.Program, error) {
	if program, ok := c.get(code); ok {
		return program, nil
	}
	program, err := expr.Compile(code, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	c.put(code, program)
	return program, nil
}
