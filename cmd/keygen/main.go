// Command keygen writes a fresh RSA keypair for signing session tokens.
//
//	go run ./cmd/keygen -dir keys
//
// produces keys/private.key (PKCS#8) and keys/public.key (PKIX).
package main

import (
	"flag"
	"log"
	"os"
	"path/filepath"

	"github.com/iliyamo/otp-session-auth/internal/keystore"
)

func main() {
	dir := flag.String("dir", "keys", "output directory")
	bits := flag.Int("bits", keystore.DefaultBits, "RSA modulus size")
	force := flag.Bool("force", false, "overwrite an existing keypair")
	flag.Parse()

	if !*force {
		if _, err := os.Stat(filepath.Join(*dir, "private.key")); err == nil {
			log.Fatalf("%s already holds a private key; pass -force to replace it", *dir)
		}
	}

	ks, err := keystore.Generate(*bits)
	if err != nil {
		log.Fatalf("generate key: %v", err)
	}
	priv, pub, err := ks.WriteFiles(*dir)
	if err != nil {
		log.Fatalf("write keys: %v", err)
	}
	log.Printf("wrote %s and %s", priv, pub)
}
