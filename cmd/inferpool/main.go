// Command inferpool runs the provider routing and accounting core: health
// monitoring, session expiry, holding rewards and the status server, plus
// operator commands.
package main

func main() {
	Execute()
}
