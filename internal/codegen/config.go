// config.go - 后端配置
//
// 配置来自项目根目录的 nebula.toml，缺省值覆盖全部字段，
// 没有配置文件也能工作。

package codegen

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// 常量定义
const (
	ConfigFileName = "nebula.toml" // 配置文件名
)

// Config 后端配置
type Config struct {
	Codegen CodegenConfig `toml:"codegen"`
	Exec    ExecConfig    `toml:"exec"`
}

// CodegenConfig 代码生成配置
type CodegenConfig struct {
	// Conv 调用约定名称（systemv / win64）
	Conv string `toml:"conv"`

	// Parallel 是否并行编译各函数
	Parallel bool `toml:"parallel"`
}

// ExecConfig 执行配置
type ExecConfig struct {
	// MaxDepth 原生栈帧深度预算，超出时陷阱
	MaxDepth int `toml:"max_depth"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Codegen: CodegenConfig{Conv: "systemv"},
		Exec:    ExecConfig{MaxDepth: 10000},
	}
}

// LoadConfig 从文件加载配置
// 文件不存在时返回默认配置
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if config.Exec.MaxDepth <= 0 {
		config.Exec.MaxDepth = DefaultConfig().Exec.MaxDepth
	}
	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
