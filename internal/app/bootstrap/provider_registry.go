package bootstrap

import (
	"ragchat/internal/adapter/provider/llm/openai"
	applog "ragchat/internal/platform/log"
	"ragchat/internal/provider"
)

// RegisterLLMProviders 注册配置的 LLM 供应商。
// 没有 API key 时跳过注册，补全调用会在运行时报 provider not found。
func RegisterLLMProviders(name, apiKey, baseURL string) {
	if apiKey == "" {
		applog.Warn("⚠️  No LLM_API_KEY set, completion calls will not work")
		return
	}

	p := openai.New(openai.Config{
		Name:    name,
		APIKey:  apiKey,
		BaseURL: baseURL,
	})
	provider.RegisterProvider(p)
	applog.Infof("✅ Registered LLM provider: %s (base: %s)", p.Name(), baseURL)
}
