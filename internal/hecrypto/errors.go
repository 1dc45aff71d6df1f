package hecrypto

import "errors"

var (
	errNoEncryptor = errors.New("no encryptor bound: server setup has not completed")
	errNoDecryptor = errors.New("no decryptor bound: the secret key is never present on the server")
	errChainBottom = errors.New("modulus chain exhausted")
)
