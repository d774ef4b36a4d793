package analysis

import (
	"fmt"
	"maps"
	"slices"

	"github.com/xlab/treeprint"
)

// Render draws functions as a tree with verified and unverified entries on
// separate branches, each sorted by address.
func Render(functions map[uint64]*Function) string {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%d functions", len(functions)))

	verified := tree.AddBranch("verified")
	pending := tree.AddBranch("needs verification")

	for _, addr := range slices.Sorted(maps.Keys(functions)) {
		fn := functions[addr]
		label := fmt.Sprintf("0x%x %s", fn.Address, fn.Source)
		if fn.NeedsVerification {
			pending.AddNode(label)
		} else {
			verified.AddNode(label)
		}
	}
	return tree.String()
}
