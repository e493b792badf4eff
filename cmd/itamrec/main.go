// itamrec reconciles an ITAM inventory against the active services export
// and serves the classified result.
package main

func main() {
	Execute()
}
