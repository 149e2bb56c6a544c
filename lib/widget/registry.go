// Package widget holds the registry of verification widget implementations and
// the simple non-interactive ones.
package widget

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/TecharoHQ/challengegate/lib/challenge"
)

var (
	ErrBadConfig = errors.New("widget: configuration is invalid")
	ErrUnknown   = errors.New("widget: unknown widget kind")
)

var (
	registry map[string]Builder = map[string]Builder{}
	regLock  sync.RWMutex
)

// Builder creates widget factories from a JSON configuration blob.
type Builder interface {
	Build(config json.RawMessage) (challenge.WidgetFactory, error)
	Valid(config json.RawMessage) error
}

func Register(name string, impl Builder) {
	regLock.Lock()
	defer regLock.Unlock()

	registry[name] = impl
}

func Get(name string) (Builder, bool) {
	regLock.RLock()
	defer regLock.RUnlock()
	result, ok := registry[name]
	return result, ok
}

func Methods() []string {
	regLock.RLock()
	defer regLock.RUnlock()
	var result []string
	for method := range registry {
		result = append(result, method)
	}
	sort.Strings(result)
	return result
}
