package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"sipcallgo/global"
	"sipcallgo/sip"
	"sipcallgo/system"
	"sipcallgo/webserver"
)

var cfgFile string

func main() {
	root := &cobra.Command{
		Use:   "sipcallgo",
		Short: fmt.Sprintf("%s - SIP/ICE calling client", global.AgentName),
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (yaml)")

	root.AddCommand(serveCmd(), callCmd(), configCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the calling agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			system.SetupLogging(cfg.LogLevel, cfg.LogFile)
			greeting()

			stack, err := sip.NewStack(cfg)
			if err != nil {
				return err
			}
			if err := stack.Start(); err != nil {
				return err
			}
			if _, err := webserver.StartWS(stack, stack.LocalHost, cfg.HttpPort); err != nil {
				return err
			}
			if cfg.Username != "" && cfg.ProxyAddr != "" {
				stack.Register(global.DefaultExpiresSec)
			}

			global.WtGrp.Wait()
			return nil
		},
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <sip-uri>",
		Short: "Place a call through the running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			url := fmt.Sprintf("http://127.0.0.1:%d/call?uri=%s", cfg.HttpPort, args[0])
			rqst, _ := http.NewRequest(http.MethodPut, url, nil)
			rsps, err := http.DefaultClient.Do(rqst)
			if err != nil {
				return fmt.Errorf("is the agent running? %w", err)
			}
			defer rsps.Body.Close()
			if rsps.StatusCode != http.StatusOK {
				return fmt.Errorf("agent answered %s", rsps.Status)
			}
			fmt.Println("calling", args[0])
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := global.LoadConfig(cfgFile)
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Password != "" {
				shown.Password = "******"
			}
			out, err := yaml.Marshal(shown)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func greeting() {
	system.LogInfo(system.LTSystem, fmt.Sprintf("Welcome to %s - Product of %s 2025", global.AgentName, global.EntityName))
}
