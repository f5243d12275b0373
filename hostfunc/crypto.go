package hostfunc

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

func hashByName(algorithm string) (crypto.Hash, error) {
	switch strings.ToLower(algorithm) {
	case "md5":
		return crypto.MD5, nil
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, invalidArgs("crypto", "unsupported hash algorithm: %s", algorithm)
}

// CryptoClient is the script-facing crypto capability.
type CryptoClient struct{}

func (CryptoClient) CreateCipher(algorithm string, key []byte, options map[string]any) (*ECBCipher, error) {
	if strings.ToLower(algorithm) != "aes-ecb" {
		return nil, invalidArgs("crypto", "unsupported cipher: %s", algorithm)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	padding, _ := options["padding"].(string)
	switch strings.ToLower(padding) {
	case "", "pkcs7", "pkcs5":
		padding = "pkcs7"
	case "none":
		padding = "none"
	default:
		return nil, invalidArgs("crypto", "unsupported padding: %s", padding)
	}
	return &ECBCipher{block: block, padding: padding}, nil
}

func (CryptoClient) CreateHash(algorithm string) (*Hash, error) {
	h, err := hashByName(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hash{hash: h}, nil
}

func (CryptoClient) CreateHmac(algorithm string) (*Hmac, error) {
	h, err := hashByName(algorithm)
	if err != nil {
		return nil, err
	}
	return &Hmac{hash: h}, nil
}

func (CryptoClient) CreateRsa() *RSA { return &RSA{} }

// ECBCipher encrypts block by block without chaining.
type ECBCipher struct {
	block   cipher.Block
	padding string
}

func (c *ECBCipher) Encrypt(input []byte) (Buffer, error) {
	bs := c.block.BlockSize()
	if c.padding == "pkcs7" {
		n := bs - len(input)%bs
		input = append(append([]byte(nil), input...), bytes.Repeat([]byte{byte(n)}, n)...)
	}
	if len(input)%bs != 0 {
		return nil, errors.New("input is not a multiple of the block size")
	}
	out := make([]byte, len(input))
	for i := 0; i < len(input); i += bs {
		c.block.Encrypt(out[i:i+bs], input[i:i+bs])
	}
	return out, nil
}

func (c *ECBCipher) Decrypt(input []byte) (Buffer, error) {
	bs := c.block.BlockSize()
	if len(input)%bs != 0 {
		return nil, errors.New("input is not a multiple of the block size")
	}
	out := make([]byte, len(input))
	for i := 0; i < len(input); i += bs {
		c.block.Decrypt(out[i:i+bs], input[i:i+bs])
	}
	if c.padding != "pkcs7" {
		return out, nil
	}
	if len(out) == 0 {
		return nil, errors.New("invalid padding")
	}
	n := int(out[len(out)-1])
	if n == 0 || n > bs || n > len(out) {
		return nil, errors.New("invalid padding")
	}
	return out[:len(out)-n], nil
}

type Hash struct{ hash crypto.Hash }

func (h *Hash) Sum(input []byte) Buffer {
	d := h.hash.New()
	d.Write(input)
	return d.Sum(nil)
}

type Hmac struct{ hash crypto.Hash }

func (h *Hmac) Sum(input, key []byte) Buffer {
	m := hmac.New(h.hash.New, key)
	m.Write(input)
	return m.Sum(nil)
}

// RSA works on PKCS#1 PEM keys.
type RSA struct{}

func (RSA) GenerateKey(bits int) (map[string]Buffer, error) {
	if bits == 0 {
		bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return map[string]Buffer{
		"privateKey": pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}),
		"publicKey":  pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)}),
	}, nil
}

func publicKey(key []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("public key is invalid")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return rk, nil
}

func privateKey(key []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(key)
	if block == nil {
		return nil, errors.New("private key is invalid")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not rsa")
	}
	return rk, nil
}

func (RSA) Encrypt(input, key []byte, padding string) (Buffer, error) {
	pub, err := publicKey(key)
	if err != nil {
		return nil, err
	}
	if padding == "oaep" {
		return rsa.EncryptOAEP(crypto.SHA256.New(), rand.Reader, pub, input, nil)
	}
	return rsa.EncryptPKCS1v15(rand.Reader, pub, input)
}

func (RSA) Decrypt(input, key []byte, padding string) (Buffer, error) {
	priv, err := privateKey(key)
	if err != nil {
		return nil, err
	}
	if padding == "oaep" {
		return rsa.DecryptOAEP(crypto.SHA256.New(), rand.Reader, priv, input, nil)
	}
	return rsa.DecryptPKCS1v15(rand.Reader, priv, input)
}

func digest(algorithm string, input []byte) (crypto.Hash, []byte, error) {
	h, err := hashByName(algorithm)
	if err != nil {
		return 0, nil, err
	}
	d := h.New()
	d.Write(input)
	return h, d.Sum(nil), nil
}

func (RSA) Sign(input, key []byte, algorithm, padding string) (Buffer, error) {
	priv, err := privateKey(key)
	if err != nil {
		return nil, err
	}
	h, sum, err := digest(algorithm, input)
	if err != nil {
		return nil, err
	}
	if padding == "pss" {
		return rsa.SignPSS(rand.Reader, priv, h, sum, &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash})
	}
	return rsa.SignPKCS1v15(rand.Reader, priv, h, sum)
}

func (RSA) Verify(input, sign, key []byte, algorithm, padding string) (bool, error) {
	pub, err := publicKey(key)
	if err != nil {
		return false, err
	}
	h, sum, err := digest(algorithm, input)
	if err != nil {
		return false, err
	}
	if padding == "pss" {
		err = rsa.VerifyPSS(pub, h, sum, sign, nil)
	} else {
		err = rsa.VerifyPKCS1v15(pub, h, sum, sign)
	}
	if err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, fmt.Errorf("verify: %w", err)
	}
	return true, nil
}
