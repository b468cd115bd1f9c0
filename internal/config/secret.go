package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	// EncryptedPrefix 标记已加密的字段
	EncryptedPrefix = "ENC:"

	// SecretEnv 进程级密钥的环境变量，优先于 secret.key 文件
	SecretEnv = "SFTPDEPLOY_SECRET"

	SecretLength = 32 // 随机密钥长度（字节）
)

// Argon2id 密钥派生参数
const (
	kdfIterations  = 1
	kdfMemory      = 64 * 1024 // KiB
	kdfParallelism = 4
	kdfKeyLength   = 32
)

// kdfSalt 固定盐值：同一密钥总是派生出同一加密密钥，配置文件才能在重启后解密
var kdfSalt = []byte("sftpdeploy/settings/v1")

var ErrDecrypt = errors.New("failed to decrypt value")

// Cipher 使用 AES-256-GCM 加解密配置文档中的敏感字段
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher 由进程级密钥派生 AES 密钥
func NewCipher(secret []byte) (*Cipher, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty secret")
	}
	key := argon2.IDKey(secret, kdfSalt, kdfIterations, kdfMemory, kdfParallelism, kdfKeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// IsEncrypted 检查字符串是否已加密
func IsEncrypted(text string) bool {
	return strings.HasPrefix(text, EncryptedPrefix)
}

// Encrypt 加密明文，输出 ENC:<base64(nonce+ciphertext)>。空串原样返回。
// 以 ENC: 开头的明文同样加密，解密后得到原值。
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密 Encrypt 的输出；没有 ENC: 前缀的值视为明文直接返回
func (c *Cipher) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecrypt)
	}
	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		// 多半是密钥变了（SFTPDEPLOY_SECRET 或 secret.key 被替换）
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

// LoadSecret 读取进程级密钥：优先 SFTPDEPLOY_SECRET，其次 secret.key 文件，
// 都没有时生成新的 secret.key（权限 0600）。
func LoadSecret(path string) ([]byte, error) {
	if s := os.Getenv(SecretEnv); s != "" {
		return []byte(s), nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		secret := strings.TrimSpace(string(data))
		if secret == "" {
			return nil, fmt.Errorf("secret file %s is empty", path)
		}
		return []byte(secret), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret file: %w", err)
	}

	secret, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create secret directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("failed to write secret file: %w", err)
	}
	return []byte(secret), nil
}

// LoadCipher 读取（或生成）密钥并创建 Cipher
func LoadCipher(path string) (*Cipher, error) {
	secret, err := LoadSecret(path)
	if err != nil {
		return nil, err
	}
	return NewCipher(secret)
}

// GenerateSecret 生成 32 字节随机密钥，base64 编码输出
func GenerateSecret() (string, error) {
	bytes := make([]byte, SecretLength)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(bytes), nil
}
