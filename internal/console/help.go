package console

func PrintBanner(p Printer, peerID string) {
	p.Println()
	p.Println("Node started.")
	if peerID != "" {
		p.Printf("ID:  %s\n", peerID)
	}
	p.Println()
	PrintCommands(p)
	p.Println()
}

func PrintCommands(p Printer) {
	p.Println("Commands:")
	p.Println("    subscribe -t <topic>                          - subscribe to a gossip topic")
	p.Println("    unsubscribe -t <topic>                        - unsubscribe from a gossip topic")
	p.Println("    publish -t <topic> message -v <value>         - publish a text message")
	p.Println("    publish -t <topic> led (on|off|blink -f <s>)  - publish an LED setting, blink period in seconds")
	p.Println("    get-record -k <key>                           - look up a DHT record")
	p.Println("    put-record -k <key> -v <value>                - store a DHT record")
	p.Println("    remove-record -k <key>                        - drop a record from the local store")
	p.Println("    connect -a <multiaddr>/p2p/<peer-id>          - dial a peer")
	p.Println("    help                                          - show this help")
	p.Println("    shutdown                                      - stop the node")
	p.Println()
	p.Println("Long flags (--topic, --value, --freq, --key, --address) and --flag=value are accepted;")
	p.Println("double quotes keep spaces: publish -t chat message -v \"hello there\"")
}

// PrintUsage reports a rejected line followed by the command list.
func PrintUsage(p Printer, err error) {
	p.Printf("Invalid command: %v\n", err)
	PrintCommands(p)
}
