// Command masterkey-gen prints a fresh 32-byte master key for DEFI_MASTER_KEY.
package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"

	"defidash/go-backend/internal/securestore"
)

func main() {
	format := flag.String("format", "hex", "Output encoding: hex | base64")
	flag.Parse()

	buf := make([]byte, securestore.MasterKeySize)
	if _, err := rand.Read(buf); err != nil {
		log.Fatalf("masterkey-gen: read entropy: %v", err)
	}
	var out string
	switch *format {
	case "hex":
		out = hex.EncodeToString(buf)
	case "base64":
		out = base64.StdEncoding.EncodeToString(buf)
	default:
		log.Fatalf("masterkey-gen: unknown format %q", *format)
	}
	if _, err := securestore.LoadMasterKey(out); err != nil {
		log.Fatalf("masterkey-gen: generated key does not load: %v", err)
	}
	fmt.Println(out)
}
