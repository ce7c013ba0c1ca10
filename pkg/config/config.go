package config

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"
	"gopkg.in/yaml.v3"

	"github.com/betbot/perpexec/internal/domain"
	"github.com/betbot/perpexec/pkg/marketmath"
	"github.com/betbot/perpexec/pkg/secretstore"
)

const (
	nativeDecimals = 18

	// DefaultSecretEntry secret store 中私钥的默认键名
	DefaultSecretEntry = "wallet_private_key"
)

// Config 应用配置
type Config struct {
	Wallet    WalletConfig    `yaml:"wallet" json:"wallet"`
	Chain     ChainConfig     `yaml:"chain" json:"chain"`
	Oracle    OracleConfig    `yaml:"oracle" json:"oracle"`
	Positions PositionsConfig `yaml:"positions" json:"positions"`
	Relayer   RelayerConfig   `yaml:"relayer" json:"relayer"`
	Trading   TradingConfig   `yaml:"trading" json:"trading"`
	Pairs     []PairConfig    `yaml:"pairs" json:"pairs"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Server    ServerConfig    `yaml:"server" json:"server"`
	Risk      RiskConfig      `yaml:"risk" json:"risk"`
}

// WalletConfig 签名者来源按优先级：private_key > mnemonic + derivation_path > secret store
type WalletConfig struct {
	PrivateKey     string `yaml:"private_key" json:"private_key"`
	Mnemonic       string `yaml:"mnemonic" json:"mnemonic"`
	DerivationPath string `yaml:"derivation_path" json:"derivation_path"`

	SecretStorePath string `yaml:"secret_store_path" json:"secret_store_path"`
	SecretStoreKey  string `yaml:"secret_store_key" json:"secret_store_key"` // 32 字节加密密钥（hex/base64）
	SecretEntry     string `yaml:"secret_entry" json:"secret_entry"`

	SafeAddress string `yaml:"safe_address" json:"safe_address"` // 默认交易钱包（Safe）
}

type ChainConfig struct {
	RPCURL             string `yaml:"rpc_url" json:"rpc_url"`
	ChainID            int64  `yaml:"chain_id" json:"chain_id"`
	Stablecoin         string `yaml:"stablecoin" json:"stablecoin"`
	Settlement         string `yaml:"settlement" json:"settlement"`
	MultiSend          string `yaml:"multisend" json:"multisend"`
	CollateralDecimals int32  `yaml:"collateral_decimals" json:"collateral_decimals"`
	PriceDecimals      int32  `yaml:"price_decimals" json:"price_decimals"`
}

type OracleConfig struct {
	PrimaryURL          string `yaml:"primary_url" json:"primary_url"`
	PrimaryLegacy       bool   `yaml:"primary_legacy" json:"primary_legacy"`
	SecondaryURL        string `yaml:"secondary_url" json:"secondary_url"`
	SecondaryLegacy     bool   `yaml:"secondary_legacy" json:"secondary_legacy"`
	TimeoutMs           int    `yaml:"timeout_ms" json:"timeout_ms"`
	MaxStalenessSeconds int    `yaml:"max_staleness_seconds" json:"max_staleness_seconds"` // 0 表示不检查
}

type PositionsConfig struct {
	URL       string  `yaml:"url" json:"url"`
	TimeoutMs int     `yaml:"timeout_ms" json:"timeout_ms"`
	RPS       float64 `yaml:"rps" json:"rps"`
	Burst     int     `yaml:"burst" json:"burst"`
}

type RelayerConfig struct {
	URL               string `yaml:"url" json:"url"`
	TimeoutMs         int    `yaml:"timeout_ms" json:"timeout_ms"`
	BuilderKey        string `yaml:"builder_key" json:"builder_key"`
	BuilderSecret     string `yaml:"builder_secret" json:"builder_secret"`
	BuilderPassphrase string `yaml:"builder_passphrase" json:"builder_passphrase"`
}

// TradingConfig 金额均为十进制字符串（collateral 为 USDC，gas/fee 为原生代币）
type TradingConfig struct {
	MinCollateral  string `yaml:"min_collateral" json:"min_collateral"`
	MaxCollateral  string `yaml:"max_collateral" json:"max_collateral"`
	MinSlippageBps int64  `yaml:"min_slippage_bps" json:"min_slippage_bps"`
	MaxSlippageBps int64  `yaml:"max_slippage_bps" json:"max_slippage_bps"`
	MinGasReserve  string `yaml:"min_gas_reserve" json:"min_gas_reserve"`
	ExecutionFee   string `yaml:"execution_fee" json:"execution_fee"`

	ConfirmRetries    int `yaml:"confirm_retries" json:"confirm_retries"`
	ConfirmInitialMs  int `yaml:"confirm_initial_ms" json:"confirm_initial_ms"`
	ConfirmMaxMs      int `yaml:"confirm_max_ms" json:"confirm_max_ms"`
	BackgroundRetries int `yaml:"background_retries" json:"background_retries"` // 超时后后台观察次数，0 关闭
	RetentionMinutes  int `yaml:"retention_minutes" json:"retention_minutes"`

	MatchToleranceBps   int64 `yaml:"match_tolerance_bps" json:"match_tolerance_bps"`
	RecencyWindowSec    int   `yaml:"recency_window_seconds" json:"recency_window_seconds"`
	ClockSkewSec        int   `yaml:"clock_skew_seconds" json:"clock_skew_seconds"`
	MatchTimeoutMinutes int   `yaml:"match_timeout_minutes" json:"match_timeout_minutes"`
}

type PairConfig struct {
	ID          int    `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	FeedID      string `yaml:"feed_id" json:"feed_id"`
	MinLeverage int64  `yaml:"min_leverage" json:"min_leverage"`
	MaxLeverage int64  `yaml:"max_leverage" json:"max_leverage"`
}

type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

type ServerConfig struct {
	Listen        string `yaml:"listen" json:"listen"`
	DBPath        string `yaml:"db_path" json:"db_path"`
	MetricsListen string `yaml:"metrics_listen" json:"metrics_listen"` // 为空不启动调试服务
}

type RiskConfig struct {
	MaxConsecutiveRejections int64 `yaml:"max_consecutive_rejections" json:"max_consecutive_rejections"`
}

// Load 从文件加载配置（filePath 可为空），再叠加环境变量与默认值。
// 优先级：环境变量 > 配置文件 > 默认值
func Load(filePath string) (*Config, error) {
	cfg := &Config{}
	if filePath != "" {
		if err := loadConfigFile(filePath, cfg); err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func loadConfigFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("读取配置文件失败: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 YAML 配置文件失败: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("解析 JSON 配置文件失败: %w", err)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Wallet.PrivateKey = getEnv("WALLET_PRIVATE_KEY", c.Wallet.PrivateKey)
	c.Wallet.Mnemonic = getEnv("WALLET_MNEMONIC", c.Wallet.Mnemonic)
	c.Wallet.DerivationPath = getEnv("WALLET_DERIVATION_PATH", c.Wallet.DerivationPath)
	c.Wallet.SecretStorePath = getEnv("SECRET_STORE_PATH", c.Wallet.SecretStorePath)
	c.Wallet.SecretStoreKey = getEnv("SECRET_STORE_KEY", c.Wallet.SecretStoreKey)
	c.Wallet.SafeAddress = getEnv("WALLET_SAFE_ADDRESS", c.Wallet.SafeAddress)

	c.Chain.RPCURL = getEnv("CHAIN_RPC_URL", c.Chain.RPCURL)
	c.Chain.ChainID = int64(parseIntEnv("CHAIN_ID", int(c.Chain.ChainID)))

	c.Oracle.PrimaryURL = getEnv("ORACLE_PRIMARY_URL", c.Oracle.PrimaryURL)
	c.Oracle.SecondaryURL = getEnv("ORACLE_SECONDARY_URL", c.Oracle.SecondaryURL)
	c.Oracle.PrimaryLegacy = parseBoolEnv("ORACLE_PRIMARY_LEGACY", c.Oracle.PrimaryLegacy)
	c.Oracle.SecondaryLegacy = parseBoolEnv("ORACLE_SECONDARY_LEGACY", c.Oracle.SecondaryLegacy)

	c.Positions.URL = getEnv("POSITIONS_URL", c.Positions.URL)

	c.Relayer.URL = getEnv("RELAYER_URL", c.Relayer.URL)
	c.Relayer.BuilderKey = getEnv("BUILDER_API_KEY", c.Relayer.BuilderKey)
	c.Relayer.BuilderSecret = getEnv("BUILDER_SECRET", c.Relayer.BuilderSecret)
	c.Relayer.BuilderPassphrase = getEnv("BUILDER_PASS_PHRASE", c.Relayer.BuilderPassphrase)

	c.Trading.MinSlippageBps = int64(parseIntEnv("TRADING_MIN_SLIPPAGE_BPS", int(c.Trading.MinSlippageBps)))
	c.Trading.MaxSlippageBps = int64(parseIntEnv("TRADING_MAX_SLIPPAGE_BPS", int(c.Trading.MaxSlippageBps)))
	c.Trading.ConfirmRetries = parseIntEnv("TRADING_CONFIRM_RETRIES", c.Trading.ConfirmRetries)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Server.Listen = getEnv("SERVER_LISTEN", c.Server.Listen)
	c.Server.DBPath = getEnv("SERVER_DB", c.Server.DBPath)
	c.Server.MetricsListen = getEnv("METRICS_LISTEN", c.Server.MetricsListen)
}

func (c *Config) applyDefaults() {
	if c.Wallet.SecretEntry == "" {
		c.Wallet.SecretEntry = DefaultSecretEntry
	}
	if c.Chain.CollateralDecimals == 0 {
		c.Chain.CollateralDecimals = 6
	}
	if c.Chain.PriceDecimals == 0 {
		c.Chain.PriceDecimals = 8
	}
	if c.Oracle.TimeoutMs <= 0 {
		c.Oracle.TimeoutMs = 5000
	}
	if c.Positions.TimeoutMs <= 0 {
		c.Positions.TimeoutMs = 5000
	}
	if c.Positions.RPS <= 0 {
		c.Positions.RPS = 2
	}
	if c.Positions.Burst <= 0 {
		c.Positions.Burst = 1
	}
	if c.Relayer.TimeoutMs <= 0 {
		c.Relayer.TimeoutMs = 15000
	}

	t := &c.Trading
	if t.MinCollateral == "" {
		t.MinCollateral = "1"
	}
	if t.MaxCollateral == "" {
		t.MaxCollateral = "100000"
	}
	if t.MinSlippageBps == 0 {
		t.MinSlippageBps = 10
	}
	if t.MaxSlippageBps == 0 {
		t.MaxSlippageBps = 500
	}
	if t.MinGasReserve == "" {
		t.MinGasReserve = "0.0005"
	}
	if t.ExecutionFee == "" {
		t.ExecutionFee = "0"
	}
	if t.ConfirmRetries <= 0 {
		t.ConfirmRetries = 8
	}
	if t.ConfirmInitialMs <= 0 {
		t.ConfirmInitialMs = 1000
	}
	if t.ConfirmMaxMs <= 0 {
		t.ConfirmMaxMs = 15000
	}
	if t.RetentionMinutes <= 0 {
		t.RetentionMinutes = 60
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.DBPath == "" {
		c.Server.DBPath = "data/perpexec.db"
	}
}

// Validate 验证配置（不解析签名者）
func (c *Config) Validate() error {
	if c.Chain.RPCURL == "" {
		return fmt.Errorf("CHAIN_RPC_URL 未配置")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID 必须大于 0")
	}
	for _, a := range []struct{ name, addr string }{
		{"chain.stablecoin", c.Chain.Stablecoin},
		{"chain.settlement", c.Chain.Settlement},
		{"chain.multisend", c.Chain.MultiSend},
	} {
		if !common.IsHexAddress(a.addr) {
			return fmt.Errorf("%s 不是合法地址: %q", a.name, a.addr)
		}
	}
	if c.Wallet.SafeAddress != "" && !common.IsHexAddress(c.Wallet.SafeAddress) {
		return fmt.Errorf("wallet.safe_address 不是合法地址: %q", c.Wallet.SafeAddress)
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic == "" && c.Wallet.SecretStorePath == "" {
		return fmt.Errorf("未配置签名者（private_key / mnemonic / secret_store_path 三选一）")
	}
	if c.Wallet.PrivateKey == "" && c.Wallet.Mnemonic != "" && c.Wallet.DerivationPath == "" {
		return fmt.Errorf("使用 mnemonic 时 derivation_path 不能为空")
	}
	if c.Oracle.PrimaryURL == "" {
		return fmt.Errorf("ORACLE_PRIMARY_URL 未配置")
	}
	if c.Positions.URL == "" {
		return fmt.Errorf("POSITIONS_URL 未配置")
	}
	if c.Relayer.URL == "" {
		return fmt.Errorf("RELAYER_URL 未配置")
	}

	t := c.Trading
	if t.MinSlippageBps < 0 || t.MaxSlippageBps < t.MinSlippageBps || t.MaxSlippageBps > 10000 {
		return fmt.Errorf("滑点区间非法: [%d, %d]", t.MinSlippageBps, t.MaxSlippageBps)
	}
	minC, err := c.MinCollateral()
	if err != nil {
		return err
	}
	maxC, err := c.MaxCollateral()
	if err != nil {
		return err
	}
	if minC.Sign() <= 0 || maxC.Cmp(minC) < 0 {
		return fmt.Errorf("保证金区间非法: [%s, %s]", t.MinCollateral, t.MaxCollateral)
	}
	if _, err := c.MinGasReserve(); err != nil {
		return err
	}
	if _, err := c.ExecutionFee(); err != nil {
		return err
	}

	if len(c.Pairs) == 0 {
		return fmt.Errorf("至少需要配置一个交易对")
	}
	if _, err := c.PairRegistry(); err != nil {
		return err
	}
	return nil
}

// MinCollateral 抵押品精度的最小保证金
func (c *Config) MinCollateral() (*big.Int, error) {
	return parseAmount("trading.min_collateral", c.Trading.MinCollateral, c.Chain.CollateralDecimals)
}

// MaxCollateral 抵押品精度的最大保证金
func (c *Config) MaxCollateral() (*big.Int, error) {
	return parseAmount("trading.max_collateral", c.Trading.MaxCollateral, c.Chain.CollateralDecimals)
}

// MinGasReserve wei
func (c *Config) MinGasReserve() (*big.Int, error) {
	return parseAmount("trading.min_gas_reserve", c.Trading.MinGasReserve, nativeDecimals)
}

// ExecutionFee wei
func (c *Config) ExecutionFee() (*big.Int, error) {
	return parseAmount("trading.execution_fee", c.Trading.ExecutionFee, nativeDecimals)
}

func parseAmount(field, s string, decimals int32) (*big.Int, error) {
	v, err := marketmath.ParseUnits(s, decimals)
	if err != nil {
		return nil, fmt.Errorf("%s 非法 (%q): %w", field, s, err)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%s 不能为负数", field)
	}
	return v, nil
}

// PairRegistry 由 pairs 配置构建交易对注册表
func (c *Config) PairRegistry() (*domain.PairRegistry, error) {
	specs := make([]domain.PairSpec, 0, len(c.Pairs))
	for _, p := range c.Pairs {
		specs = append(specs, domain.PairSpec{
			ID:          p.ID,
			Name:        p.Name,
			FeedID:      p.FeedID,
			MinLeverage: p.MinLeverage,
			MaxLeverage: p.MaxLeverage,
		})
	}
	return domain.NewPairRegistry(specs)
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c *Config) ConfirmInitialInterval() time.Duration { return ms(c.Trading.ConfirmInitialMs) }
func (c *Config) ConfirmMaxInterval() time.Duration     { return ms(c.Trading.ConfirmMaxMs) }
func (c *Config) OracleTimeout() time.Duration          { return ms(c.Oracle.TimeoutMs) }
func (c *Config) PositionsTimeout() time.Duration       { return ms(c.Positions.TimeoutMs) }
func (c *Config) RelayerTimeout() time.Duration         { return ms(c.Relayer.TimeoutMs) }

// ResolveSigner 按优先级解析签名私钥：private_key > mnemonic > secret store
func (c *Config) ResolveSigner() (*ecdsa.PrivateKey, error) {
	w := c.Wallet
	switch {
	case strings.TrimSpace(w.PrivateKey) != "":
		return parsePrivateKey(w.PrivateKey)
	case strings.TrimSpace(w.Mnemonic) != "":
		hexKey, err := deriveFromMnemonic(w.Mnemonic, w.DerivationPath)
		if err != nil {
			return nil, err
		}
		return parsePrivateKey(hexKey)
	case strings.TrimSpace(w.SecretStorePath) != "":
		hexKey, err := readSecretStore(w)
		if err != nil {
			return nil, err
		}
		return parsePrivateKey(hexKey)
	}
	return nil, fmt.Errorf("未配置签名者")
}

func parsePrivateKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("私钥格式错误: %w", err)
	}
	return key, nil
}

func deriveFromMnemonic(mnemonic, derivationPath string) (string, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	derivationPath = strings.TrimSpace(derivationPath)
	if derivationPath == "" {
		return "", fmt.Errorf("derivation_path is required")
	}
	w, err := hdwallet.NewFromMnemonic(mnemonic)
	if err != nil {
		return "", fmt.Errorf("invalid mnemonic: %w", err)
	}
	path, err := hdwallet.ParseDerivationPath(derivationPath)
	if err != nil {
		return "", fmt.Errorf("invalid derivation_path: %w", err)
	}
	acct, err := w.Derive(path, false)
	if err != nil {
		return "", fmt.Errorf("derive failed: %w", err)
	}
	return w.PrivateKeyHex(acct)
}

func readSecretStore(w WalletConfig) (string, error) {
	key, err := secretstore.ParseKey(w.SecretStoreKey)
	if err != nil {
		return "", fmt.Errorf("secret_store_key: %w", err)
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{
		Path:          w.SecretStorePath,
		EncryptionKey: key,
		ReadOnly:      true,
	})
	if err != nil {
		return "", fmt.Errorf("打开 secret store 失败: %w", err)
	}
	defer ss.Close()

	v, ok, err := ss.GetString(w.SecretEntry)
	if err != nil {
		return "", err
	}
	if !ok || v == "" {
		return "", fmt.Errorf("secret store 中没有 %q", w.SecretEntry)
	}
	return v, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntEnv 解析整数环境变量
func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
