package config

import (
	"encoding/json"
	"fmt"

	"github.com/caarlos0/env/v11"

	"chatgateway/internal/models"
)

// PlatformDefaults are environment-sourced fallback credentials. When a
// platform's stored config is deleted, the applicator falls back to these
// before resetting the adapter to its unconfigured state, so a bootstrap
// deployment can run entirely from the environment.
type PlatformDefaults struct {
	SlackBotToken      string `env:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `env:"SLACK_SIGNING_SECRET"`

	FeishuAppID             string `env:"FEISHU_APP_ID"`
	FeishuAppSecret         string `env:"FEISHU_APP_SECRET"`
	FeishuVerificationToken string `env:"FEISHU_VERIFICATION_TOKEN"`
	FeishuEncryptKey        string `env:"FEISHU_ENCRYPT_KEY"`

	WeChatAppID          string `env:"WECHAT_APP_ID"`
	WeChatAppSecret      string `env:"WECHAT_APP_SECRET"`
	WeChatToken          string `env:"WECHAT_TOKEN"`
	WeChatEncodingAESKey string `env:"WECHAT_ENCODING_AES_KEY"`
}

// LoadPlatformDefaults reads the fallback credentials from the process
// environment.
func LoadPlatformDefaults() (*PlatformDefaults, error) {
	var d PlatformDefaults
	if err := env.Parse(&d); err != nil {
		return nil, fmt.Errorf("failed to parse platform defaults from environment: %w", err)
	}
	return &d, nil
}

// ProviderConfig renders the environment defaults for one platform as a
// provider config, or nil when the environment carries nothing usable
// for it.
func (d *PlatformDefaults) ProviderConfig(platform string) *models.ProviderConfig {
	var data map[string]string

	switch platform {
	case "slack":
		if d.SlackBotToken == "" && d.SlackSigningSecret == "" {
			return nil
		}
		data = map[string]string{
			"botToken":      d.SlackBotToken,
			"signingSecret": d.SlackSigningSecret,
		}
	case "feishu":
		if d.FeishuAppID == "" {
			return nil
		}
		data = map[string]string{
			"appId":             d.FeishuAppID,
			"appSecret":         d.FeishuAppSecret,
			"verificationToken": d.FeishuVerificationToken,
			"encryptKey":        d.FeishuEncryptKey,
		}
	case "wechat":
		if d.WeChatAppID == "" {
			return nil
		}
		data = map[string]string{
			"appId":          d.WeChatAppID,
			"appSecret":      d.WeChatAppSecret,
			"token":          d.WeChatToken,
			"encodingAesKey": d.WeChatEncodingAESKey,
		}
	default:
		return nil
	}

	blob, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	return &models.ProviderConfig{
		Platform:   platform,
		IsEnabled:  true,
		ConfigData: string(blob),
	}
}
