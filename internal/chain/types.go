package chain

// 以下结构体对应节点返回的原始 JSON 字段，数量一律保持十六进制字符串，
// 由调用方按需解析。

// Block 对应 eth_getBlockByNumber 的返回。
type Block struct {
	Number        string   `json:"number"`
	Hash          string   `json:"hash"`
	ParentHash    string   `json:"parentHash"`
	Timestamp     string   `json:"timestamp"`
	GasUsed       string   `json:"gasUsed"`
	GasLimit      string   `json:"gasLimit"`
	BaseFeePerGas string   `json:"baseFeePerGas"`
	Miner         string   `json:"miner"`
	Transactions  []string `json:"transactions"`
}

// Transaction 对应 eth_getTransactionByHash 的返回。
type Transaction struct {
	Hash     string `json:"hash"`
	From     string `json:"from"`
	To       string `json:"to"`
	Value    string `json:"value"`
	Gas      string `json:"gas"`
	GasPrice string `json:"gasPrice"`
	Nonce    string `json:"nonce"`
	Input    string `json:"input"`
	BlockNum string `json:"blockNumber"`
}

// Receipt 对应 eth_getTransactionReceipt 的返回。
type Receipt struct {
	TransactionHash   string `json:"transactionHash"`
	Status            string `json:"status"`
	GasUsed           string `json:"gasUsed"`
	EffectiveGasPrice string `json:"effectiveGasPrice"`
	BlockNumber       string `json:"blockNumber"`
	ContractAddress   string `json:"contractAddress"`
	Logs              []Log  `json:"logs"`
}

// Log 对应回执中的事件日志。
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}
