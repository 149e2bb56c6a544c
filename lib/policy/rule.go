package policy

import (
	"fmt"
	"time"

	"github.com/TecharoHQ/challengegate/internal"
	"github.com/TecharoHQ/challengegate/lib/policy/checker"
	"github.com/TecharoHQ/challengegate/lib/policy/config"
)

type Rule struct {
	Rules  checker.Impl
	Name   string
	Action config.Rule

	// Limit and Window describe the fixed window of RATE_LIMIT rules.
	Limit  int
	Window time.Duration
}

func (r Rule) Hash() string {
	return internal.SHA256sum(fmt.Sprintf("%s::%s", r.Name, r.Rules.Hash()))
}
