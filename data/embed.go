package data

import "embed"

var (
	//go:embed policy.yaml all:rules
	Policies embed.FS
)
