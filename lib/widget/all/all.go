// Package all is a meta-package that imports all widget implementations.
package all

import (
	_ "github.com/TecharoHQ/challengegate/lib/widget"
	_ "github.com/TecharoHQ/challengegate/lib/widget/browser"
)
