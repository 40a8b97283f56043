package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/healwatch/internal/api"
	"github.com/psantana5/healwatch/internal/config"
)

var (
	cfgFile      string
	apiURL       string
	apiToken     string
	apiCA        string
	outputFormat string

	// configErr is set by initConfig and surfaced by the first command
	// that needs the configuration
	configErr error
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "healwatch",
	Short: "Self-healing supervisor for a set of worker processes",
	Long: `healwatch supervises a set of worker processes, detects crashes, broken
source artifacts and error logs, pauses every worker while a correction is
generated, reviewed and verified, and resumes them once the system is healthy.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.healwatch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "supervisor API URL (default from api.listen)")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", "", "API bearer token (or HEALWATCH_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&apiCA, "ca", "", "CA certificate to trust for an HTTPS API (default api.tls.cert_file)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	config.SetDefaults(viper.GetViper())
	if err := config.BindEnv(viper.GetViper()); err != nil {
		configErr = err
		return
	}
	viper.BindEnv("token", config.EnvPrefix+"_TOKEN")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".healwatch"))
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicit --config must exist; the default location is optional
		if cfgFile != "" || !errors.As(err, &notFound) {
			configErr = fmt.Errorf("failed to read config: %w", err)
		}
	}

	if apiToken == "" {
		apiToken = viper.GetString("token")
	}
}

// loadConfig returns the validated effective configuration
func loadConfig() (config.Config, error) {
	if configErr != nil {
		return config.Config{}, configErr
	}
	return config.Load(viper.GetViper())
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIURL returns the supervisor API URL with trailing slashes removed
func GetAPIURL() string {
	if apiURL != "" {
		return strings.TrimRight(apiURL, "/")
	}
	listen := viper.GetString("api.listen")
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	if viper.GetString("api.tls.cert_file") != "" {
		return "https://" + listen
	}
	return "http://" + listen
}

// newClient creates an API client for the running supervisor
func newClient() (*api.Client, error) {
	if configErr != nil {
		return nil, configErr
	}
	client := api.NewClient(GetAPIURL(), apiToken)

	ca := apiCA
	if ca == "" && viper.GetBool("api.tls.self_signed") {
		ca = viper.GetString("api.tls.cert_file")
	}
	if ca != "" {
		if err := client.UseCA(ca); err != nil {
			return nil, err
		}
	}
	return client, nil
}
