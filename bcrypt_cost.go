//go:build !race

package lifecycle

func passwordHashCost() int {
	return 12
}
