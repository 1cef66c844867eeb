package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"warden/internal/config"
	"warden/internal/storage"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// InitOptions init 命令选项
type InitOptions struct {
	Force bool
}

// NewInitCmd 创建 init 命令
func NewInitCmd() *cobra.Command {
	opts := &InitOptions{}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize warden configuration",
		Long:  "Initialize warden configuration directory, files and coordination store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return RunInit(opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "overwrite existing configuration")

	return cmd
}

// RunInit 执行初始化
func RunInit(opts *InitOptions) error {
	// 获取配置目录
	configDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("get config dir: %w", err)
	}

	// 检查是否已存在
	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil && !opts.Force {
		return fmt.Errorf("configuration already exists at %s (use --force to overwrite)", configPath)
	}

	// 创建目录结构
	dirs := []string{
		configDir,
		filepath.Join(configDir, "logs"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	// 生成默认配置
	defaultConfig := map[string]any{
		"gateway": map[string]any{
			"port": 7177,
			"host": "127.0.0.1",
		},
		"log": map[string]any{
			"level":  "info",
			"format": "console",
		},
		"storage": map[string]any{
			"driver": "sqlite",
		},
		"coordination": map[string]any{
			"auto_cleanup": true,
		},
		"ratelimit": map[string]any{
			"plan": "pro", // 可选 "max_5x"、"max_20x"
		},
		"cron": map[string]any{
			"enabled": true,
		},
	}

	data, err := yaml.Marshal(defaultConfig)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	// 初始化协调存储
	dataPath, err := config.DefaultDataPath()
	if err != nil {
		return fmt.Errorf("get data path: %w", err)
	}

	st, err := storage.Open(dataPath, storage.WithVersion(Version))
	if err != nil {
		return fmt.Errorf("initialize coordination store: %w", err)
	}
	st.Close()

	fmt.Printf("Initialized warden at %s\n", configDir)
	fmt.Printf("  Config: %s\n", configPath)
	fmt.Printf("  Database: %s\n", dataPath)

	return nil
}
