package logger

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Sanitizer 負責過濾日誌中的敏感資訊：密碼、session、節點金鑰、
// 公開連結金鑰以及使用者家目錄。
//
// 限制說明：
//   - SanitizeArgs() 僅對「敏感 key 的 value」進行遮罩
//   - 若敏感資料藏在非敏感 key 的 value 中，只有符合 Sanitize() 規則的部分會被遮罩
type Sanitizer struct {
	mu       sync.RWMutex
	patterns []SanitizeRule
}

// SanitizeRule 單一過濾規則
type SanitizeRule struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// NewSanitizer 建立預設 sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{
		patterns: defaultSanitizeRules(),
	}
}

func defaultSanitizeRules() []SanitizeRule {
	return []SanitizeRule{
		// 密碼與 session
		{regexp.MustCompile(`(?i)\b(password|passwd|pwd)=\S+`), "$1=***"},
		{regexp.MustCompile(`(?i)\b(sid|session)=\S+`), "$1=***"},
		{regexp.MustCompile(`(?i)\btoken=\S+`), "token=***"},
		{regexp.MustCompile(`(?i)bearer\s+\S+`), "bearer ***"},

		// 金鑰：key=、api_key=、masterkey= 等
		{regexp.MustCompile(`(?i)\b([a-z_-]*key)=\S+`), "$1=***"},

		// 公開連結 /file/<handle>#<key>、/folder/<handle>#<key>
		{regexp.MustCompile(`(/(?:file|folder)/[A-Za-z0-9_-]+)#[A-Za-z0-9_-]+`), "$1#***"},

		// Windows 使用者路徑 (支援所有磁碟機與 UNC，不區分大小寫)
		{regexp.MustCompile(`(?i)[A-Z]:\\Users\\[^\\]+`), "***:\\Users\\***"},
		{regexp.MustCompile(`(?i)\\\\[^\\]+\\[^\\]+\\Users\\[^\\]+`), "\\\\***\\***\\Users\\***"},

		// Unix 家目錄
		{regexp.MustCompile(`/home/[^/\s]+`), "/home/***"},
		{regexp.MustCompile(`/Users/[^/\s]+`), "/Users/***"},

		// Email 部分遮蔽
		{regexp.MustCompile(`([a-zA-Z0-9._%+-]{1,3})[a-zA-Z0-9._%+-]*@`), "$1***@"},
	}
}

// Sanitize applies every rule to input
func (s *Sanitizer) Sanitize(input string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := input
	for _, rule := range s.patterns {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// SanitizeArgs masks the values of sensitive keys in slog key-value args
func (s *Sanitizer) SanitizeArgs(args []any) []any {
	if len(args) == 0 {
		return args
	}

	result := make([]any, len(args))
	copy(result, args)

	for i := 0; i < len(result)-1; i += 2 {
		key, ok := result[i].(string)
		if !ok || !isSensitiveKey(key) {
			continue
		}
		switch v := result[i+1].(type) {
		case string:
			result[i+1] = maskValue(v)
		case []byte:
			result[i+1] = maskValue(string(v))
		case error:
			result[i+1] = maskValue(v.Error())
		}
	}
	return result
}

var (
	sensitiveExact    = []string{"sid", "key", "pwd"}
	sensitiveContains = []string{
		"password", "passwd", "token", "secret", "session",
		"credential", "auth", "masterkey", "nodekey", "linkkey", "api_key", "apikey",
	}
)

// isSensitiveKey 判斷鍵名是否為敏感鍵
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, k := range sensitiveExact {
		if lower == k {
			return true
		}
	}
	for _, k := range sensitiveContains {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// maskValue 遮蔽值（保留前後各1字元）
func maskValue(value string) string {
	if len(value) <= 2 {
		return "***"
	}
	if len(value) <= 8 {
		return fmt.Sprintf("%s***", value[:1])
	}
	return fmt.Sprintf("%s***%s", value[:1], value[len(value)-1:])
}

// AddRule 新增自訂過濾規則
func (s *Sanitizer) AddRule(pattern string, replacement string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = append(s.patterns, SanitizeRule{Pattern: re, Replacement: replacement})
	return nil
}
