// Command voicegate runs the streaming STT and TTS websocket gateways.
//
// Usage:
//
//	voicegate [flags] <service>
//
// Services:
//
//	stt  - speech-to-text gateway
//	tts  - text-to-speech gateway
//	all  - both gateways on one listener
package main

import (
	"fmt"
	"os"

	"github.com/ent0n29/voicegate/cmd/voicegate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
