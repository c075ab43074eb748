package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nmslite/agentprov/internal/config"
	"github.com/nmslite/agentprov/internal/events"
	"github.com/nmslite/agentprov/internal/model"
)

var (
	InstallOS            string
	InstallProfile       string
	InstallDomain        string
	InstallKeyPath       string
	InstallUseTLS        bool
	InstallWinRMPort     int
	InstallSMBPort       int
	InstallBasicAuthUser string
)

var installCmd = &cobra.Command{
	Use:   "install username@hostname[:port]",
	Short: "Install the metrics agent on one host",
	Long: `Install the metrics agent on one host and print the installation result as JSON.

The port in the target is the SSH port. The password is read from PROV_TARGET_PASSWORD or prompted
for; it may be omitted for Linux hosts reached with --key. The Basic-Auth password for the agent's
metrics endpoint is read from PROV_BASIC_AUTH_PASSWORD or prompted for when --basic-auth-user is set.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		target, err := buildTarget(cmd, args[0])
		if err != nil {
			return err
		}

		logger := initLogger(cfg.Logging, cmd.ErrOrStderr())
		driver := newDriver(cfg, events.NewSlogSink(logger), logger)
		result := driver.Install(cmd.Context(), target)

		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))

		if !result.Success {
			return fmt.Errorf("installation failed: %s", result.Error.Code)
		}
		return nil
	},
}

func init() {
	installCmd.Flags().StringVar(&InstallOS, "os", "", "target operating system (linux or windows)")
	installCmd.Flags().StringVar(&InstallProfile, "profile", string(model.ProfileRecommended), "collector profile (recommended, full or minimal)")
	installCmd.Flags().StringVar(&InstallDomain, "domain", "", "Windows domain of the user")
	installCmd.Flags().StringVar(&InstallKeyPath, "key", "", "path to an SSH private key")
	installCmd.Flags().BoolVar(&InstallUseTLS, "tls", false, "use HTTPS for remote management")
	installCmd.Flags().IntVar(&InstallWinRMPort, "winrm-port", 0, "remote management port override")
	installCmd.Flags().IntVar(&InstallSMBPort, "smb-port", 0, "RPC exec (SMB) port override")
	installCmd.Flags().StringVar(&InstallBasicAuthUser, "basic-auth-user", "", "protect the metrics endpoint with this Basic-Auth user")
	installCmd.MarkFlagRequired("os")
}

func buildTarget(cmd *cobra.Command, arg string) (model.ConnectionTarget, error) {
	username, hostname, port, err := parseTargetURL(arg)
	if err != nil {
		return model.ConnectionTarget{}, err
	}

	osType := model.ParseOSType(InstallOS)
	if osType == model.OSUnknown {
		return model.ConnectionTarget{}, fmt.Errorf("unsupported --os %q: expected linux or windows", InstallOS)
	}
	profile, err := model.ParseProfile(InstallProfile)
	if err != nil {
		return model.ConnectionTarget{}, err
	}

	target := model.ConnectionTarget{
		Host:        hostname,
		Domain:      InstallDomain,
		OS:          osType,
		Credentials: model.Credentials{Username: username},
		Ports:       model.Ports{SSH: port, WinRM: InstallWinRMPort, SMB: InstallSMBPort},
		UseTLS:      InstallUseTLS,
		Profile:     profile,
	}

	if InstallKeyPath != "" {
		key, err := os.ReadFile(InstallKeyPath)
		if err != nil {
			return model.ConnectionTarget{}, fmt.Errorf("failed to read private key: %w", err)
		}
		target.Credentials.PrivateKey = string(key)
		target.Credentials.Passphrase = os.Getenv("PROV_KEY_PASSPHRASE")
	}

	password, ok := os.LookupEnv("PROV_TARGET_PASSWORD")
	if !ok && (InstallKeyPath == "" || osType == model.OSWindows) {
		password, err = readPasswordSecurely(fmt.Sprintf("Password for %s@%s: ", username, hostname), cmd.ErrOrStderr())
		if err != nil {
			return model.ConnectionTarget{}, fmt.Errorf("failed to read password: %w", err)
		}
	}
	target.Credentials.Password = password

	if InstallBasicAuthUser != "" {
		secret, ok := os.LookupEnv("PROV_BASIC_AUTH_PASSWORD")
		if !ok {
			secret, err = readPasswordSecurely(fmt.Sprintf("Basic-Auth password for %s: ", InstallBasicAuthUser), cmd.ErrOrStderr())
			if err != nil {
				return model.ConnectionTarget{}, fmt.Errorf("failed to read basic auth password: %w", err)
			}
		}
		if secret == "" {
			return model.ConnectionTarget{}, fmt.Errorf("basic auth password is empty")
		}
		target.BasicAuth = &model.BasicAuth{Username: InstallBasicAuthUser, Password: secret}
	}

	return target, nil
}
