// Package config 负责 agentnet 守护进程的集中配置管理：读取 JSON 配置文件，
// 填充服务端、存储、任务队列、链上接入与日志等各部分的默认值，并做基础校验。
package config
