package cache

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// Key 生成确定性缓存键：方法名 + 参数序列做 JSON 序列化后取 sha256。
// 相同的逻辑请求必然得到相同的键；参数顺序敏感，
// 需要顺序无关的调用方应先对参数排序再传入。
func Key(method string, args ...any) string {
	payload, err := json.Marshal([]any{method, args})
	if err != nil {
		// 参数均为字符串/数值时不会走到这里；兜底用原样拼接
		payload = []byte(fmt.Sprint(method, args))
	}
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%x", sum)
}
