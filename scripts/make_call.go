package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/harunnryd/dialtone/pkg/configutil"
	"github.com/harunnryd/dialtone/pkg/dialpad"
	twiliotransport "github.com/harunnryd/dialtone/pkg/transports/twilio"
)

type probeConfig struct {
	Transport struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transport"`
}

func main() {
	configPath := flag.String("config", "examples/webphone/config.local.yaml", "")
	to := flag.String("to", "", "")
	from := flag.String("from", "", "override caller_id from config")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: make_call -to=+456 [-from=+123] [-config=...]")
		os.Exit(1)
	}
	if !dialpad.ValidNumber(*to) {
		fmt.Println("not a dialable number:", *to)
		os.Exit(1)
	}
	cfg, err := loadProbeConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if cfg.Transport.Provider != "twilio" {
		fmt.Println("make_call only speaks twilio, config has:", cfg.Transport.Provider)
		os.Exit(1)
	}
	var settings twiliotransport.Config
	if err := configutil.DecodeSettings(cfg.Transport.Settings, &settings); err != nil {
		fmt.Println("settings error:", err)
		os.Exit(1)
	}
	if *from != "" {
		settings.CallerID = *from
	}
	tr := twiliotransport.New(settings, nil)
	callSID, err := tr.Connect(context.Background(), *to)
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadProbeConfig(path string) (probeConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return probeConfig{}, err
	}
	var cfg probeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return probeConfig{}, err
	}
	return cfg, nil
}
