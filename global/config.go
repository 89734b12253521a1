package global

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the external key->value configuration object. The SIP stack
// reads identity and credentials from it, the gatherer reads STUN/TURN
// server addresses. All values are string-typed in the file and coerced
// here once at load time.
type Config struct {
	Username string
	Domain   string
	Password string

	ProxyAddr string
	SipPort   int

	StunServer string
	TurnServer string

	MinPort int
	MaxPort int

	HttpPort int

	LogLevel string
	LogFile  string
}

var Cfg *Config

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sipcallgo")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sipcallgo")
	}
	v.SetEnvPrefix("sipcallgo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("sip.port", DefaultSipPort)
	v.SetDefault("http.port", DefaultHttpPort)
	v.SetDefault("media.min_port", MediaStartPort)
	v.SetDefault("media.max_port", MediaEndPort)
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		// env-only operation is allowed when no file is found
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{
		Username:   v.GetString("sip.username"),
		Domain:     v.GetString("sip.domain"),
		Password:   v.GetString("sip.password"),
		ProxyAddr:  v.GetString("sip.proxy"),
		SipPort:    v.GetInt("sip.port"),
		StunServer: v.GetString("ice.stun_server"),
		TurnServer: v.GetString("ice.turn_server"),
		MinPort:    v.GetInt("media.min_port"),
		MaxPort:    v.GetInt("media.max_port"),
		HttpPort:   v.GetInt("http.port"),
		LogLevel:   v.GetString("log.level"),
		LogFile:    v.GetString("log.file"),
	}

	if cfg.MinPort >= cfg.MaxPort {
		return nil, fmt.Errorf("invalid media port range [%d, %d]", cfg.MinPort, cfg.MaxPort)
	}

	Cfg = cfg
	return cfg, nil
}
