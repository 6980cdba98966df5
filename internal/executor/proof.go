package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// ProofHash 对任务结果生成可复核的执行证明。
// 哈希覆盖任务 ID、完整结果与时间戳，任何一项变化都会改变证明。
func ProofHash(taskID string, result Result, timestamp string) string {
	payload := struct {
		TaskID    string `json:"task_id"`
		Result    Result `json:"result"`
		Timestamp string `json:"timestamp"`
	}{TaskID: taskID, Result: result, Timestamp: timestamp}

	encoded, err := json.Marshal(payload)
	if err != nil {
		encoded = []byte(taskID + timestamp)
	}
	sum := sha256.Sum256(encoded)
	return "0x" + hex.EncodeToString(sum[:])
}
