// cordguard-keys provisions the service keypair and signs worker hardware
// identifiers.
//
//	cordguard-keys generate [--private keys/private.pem] [--public keys/public.pem] [--age keys/age.txt]
//	cordguard-keys sign --hwid <hwid>
//	cordguard-keys verify --hwid <hwid> --signed <hex>
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/spf13/pflag"

	"github.com/cordguard/cordguard/internal/identity"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var err error
	switch os.Args[1] {
	case "generate":
		err = generate(os.Args[2:])
	case "sign":
		err = sign(os.Args[2:])
	case "verify":
		err = verify(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "cordguard-keys:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: cordguard-keys generate|sign|verify [flags]")
}

func keyFlags(fs *pflag.FlagSet) (priv, pub *string) {
	priv = fs.String("private", "keys/private.pem", "PKCS#8 private key path")
	pub = fs.String("public", "keys/public.pem", "PKIX public key path")
	return priv, pub
}

func generate(args []string) error {
	fs := pflag.NewFlagSet("generate", pflag.ExitOnError)
	priv, pub := keyFlags(fs)
	agePath := fs.String("age", "", "also write an age X25519 identity for object encryption")
	force := fs.Bool("force", false, "overwrite existing key files")
	fs.Parse(args)

	for _, p := range []string{*priv, *pub, *agePath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil && !*force {
			return fmt.Errorf("%s exists (use --force to overwrite)", p)
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return err
		}
	}

	v, err := identity.Generate()
	if err != nil {
		return err
	}
	if err := v.Save(*priv, *pub); err != nil {
		return err
	}
	fmt.Printf("wrote %s and %s\n", *priv, *pub)

	if *agePath == "" {
		return nil
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generate age identity: %w", err)
	}
	body := fmt.Sprintf("# public key: %s\n%s\n", id.Recipient(), id)
	if err := os.WriteFile(*agePath, []byte(body), 0o600); err != nil {
		return err
	}
	fmt.Printf("wrote %s (recipient %s)\n", *agePath, id.Recipient())
	return nil
}

func sign(args []string) error {
	fs := pflag.NewFlagSet("sign", pflag.ExitOnError)
	priv, pub := keyFlags(fs)
	hwid := fs.String("hwid", "", "hardware identifier to sign")
	fs.Parse(args)

	if *hwid == "" {
		return errors.New("--hwid is required")
	}
	v, err := identity.Load(*priv, *pub)
	if err != nil {
		return err
	}
	fmt.Println(v.SignHex(*hwid))
	return nil
}

func verify(args []string) error {
	fs := pflag.NewFlagSet("verify", pflag.ExitOnError)
	priv, pub := keyFlags(fs)
	hwid := fs.String("hwid", "", "hardware identifier")
	signed := fs.String("signed", "", "hex signature to check")
	fs.Parse(args)

	if *hwid == "" || *signed == "" {
		return errors.New("--hwid and --signed are required")
	}
	v, err := identity.Load(*priv, *pub)
	if err != nil {
		return err
	}
	if !v.VerifyHex(*hwid, *signed) {
		return errors.New("signature does not match")
	}
	fmt.Println("ok")
	return nil
}
