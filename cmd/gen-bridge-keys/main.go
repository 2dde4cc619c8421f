package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"bridge/internal/crypto"
)

// Generates bridge session keys for a local cluster: one key file per node
// plus a genesis validator list to paste into config.
func main() {
	count := flag.Int("n", 4, "Number of keys to generate")
	outDir := flag.String("out", "keys", "Output directory")
	flag.Parse()

	if err := os.MkdirAll(*outDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "create output dir: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("genesis:")
	fmt.Println("  set_id: 0")
	fmt.Println("  validators:")
	for i := 0; i < *count; i++ {
		signer, err := crypto.GenerateECDSAKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		path := filepath.Join(*outDir, fmt.Sprintf("node%d.key", i))
		if err := os.WriteFile(path, []byte(signer.PrivateKeyHex()), 0600); err != nil {
			fmt.Fprintf(os.Stderr, "write %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("    - %q # %s\n", signer.Address().Hex(), path)
	}
}
