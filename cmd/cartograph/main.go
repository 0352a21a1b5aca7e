// Cartograph - AWS inventory and IP reverse lookup.
// Collect. Store. Identify.
package main

func main() {
	Execute()
}
