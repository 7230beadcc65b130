package main

import (
	"fmt"
	"os"

	hellodev "github.com/Merge-Pray/HelloDev-sub000"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configPathCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage HelloDev configuration",
	Long:  "View or modify the HelloDev CLI configuration stored in ~/.hellodev/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("cannot read config file: %w", err)
		}
		if len(data) > 0 {
			fmt.Print(string(data))
			fmt.Println()
		} else {
			fmt.Println("No configuration file found. Run 'hellodev init <base-url>' to create one.")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		fmt.Println("Effective settings:")
		fmt.Printf("  default.base_url         %s\n", valueOrDefault(cfg.Default.BaseURL, hellodev.DefaultBaseURL))
		fmt.Printf("  default.environment      %s\n", valueOrDefault(cfg.Default.Environment, string(hellodev.Production)))
		fmt.Printf("  default.log_level        %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))
		fmt.Printf("  session.grace_period     %s\n", valueOrDefault(cfg.Session.GracePeriod, hellodev.DefaultGracePeriod.String()))
		fmt.Printf("  session.validate_timeout %s\n", valueOrDefault(cfg.Session.ValidateTimeout, hellodev.DefaultValidateTimeout.String()))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the locations of the config, session and cookie files",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range []string{"config.toml", "session.toml", "cookies.toml"} {
			path, err := configFile(name)
			if err != nil {
				return err
			}
			fmt.Println(path)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: hellodev config set session.grace_period 10m",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
