package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Change 单项配置变更记录
type Change struct {
	Path string      `json:"path"`
	Old  interface{} `json:"old"`
	New  interface{} `json:"new"`
}

// Manager 配置管理器
//
// 持有当前配置与启动时的原始快照。所有更新以部分文档深合并后
// 整体验证，验证失败不改变任何可观测值。
type Manager struct {
	mu       sync.RWMutex
	current  *RuntimeConfig
	original *RuntimeConfig

	updateCount int64
	lastUpdate  time.Time

	logger *zap.Logger
}

// NewManager 创建配置管理器
func NewManager(initial *RuntimeConfig) (*Manager, error) {
	if initial == nil {
		initial = DefaultConfig()
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		current:  initial.Clone(),
		original: initial.Clone(),
		logger:   zap.L().Named("config-manager"),
	}, nil
}

// Current 获取当前配置的深拷贝快照
func (m *Manager) Current() *RuntimeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Update 以部分JSON文档更新配置
//
// 深合并到当前配置后整体验证：任一字段非法则整次更新被拒绝，
// 原配置保持不变。成功时先输出结构化变更记录再提交。
func (m *Manager) Update(partial []byte) (*RuntimeConfig, error) {
	var patch map[string]interface{}
	if err := json.Unmarshal(partial, &patch); err != nil {
		return nil, &ValidationError{Violations: []string{fmt.Sprintf("无法解析部分配置文档: %v", err)}}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	currentMap, err := toMap(m.current)
	if err != nil {
		return nil, err
	}

	mergedMap := deepMerge(currentMap, patch)

	mergedJSON, err := json.Marshal(mergedMap)
	if err != nil {
		return nil, fmt.Errorf("序列化合并结果失败: %w", err)
	}

	merged := &RuntimeConfig{}
	if err := json.Unmarshal(mergedJSON, merged); err != nil {
		return nil, &ValidationError{Violations: []string{fmt.Sprintf("合并结果无法映射到配置结构: %v", err)}}
	}

	if err := merged.Validate(); err != nil {
		return nil, err
	}

	changes := diff("", currentMap, mustMap(merged))
	for _, ch := range changes {
		m.logger.Info("配置变更",
			zap.String("path", ch.Path),
			zap.Any("old", ch.Old),
			zap.Any("new", ch.New))
	}

	m.current = merged
	m.updateCount++
	m.lastUpdate = time.Now()

	return merged.Clone(), nil
}

// Replace 以完整配置替换当前配置（热重载路径）
func (m *Manager) Replace(cfg *RuntimeConfig) (*RuntimeConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changes := diff("", mustMap(m.current), mustMap(cfg))
	for _, ch := range changes {
		m.logger.Info("配置变更",
			zap.String("path", ch.Path),
			zap.Any("old", ch.Old),
			zap.Any("new", ch.New))
	}

	m.current = cfg.Clone()
	m.updateCount++
	m.lastUpdate = time.Now()

	return m.current.Clone(), nil
}

// Reset 恢复启动时的原始配置快照
func (m *Manager) Reset() *RuntimeConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	changes := diff("", mustMap(m.current), mustMap(m.original))
	for _, ch := range changes {
		m.logger.Info("配置重置",
			zap.String("path", ch.Path),
			zap.Any("old", ch.Old),
			zap.Any("new", ch.New))
	}

	m.current = m.original.Clone()
	m.updateCount++
	m.lastUpdate = time.Now()

	return m.current.Clone()
}

// Stats 管理器统计
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"update_count": m.updateCount,
		"last_update":  m.lastUpdate,
	}
}

// toMap 将配置转换为通用map
func toMap(cfg *RuntimeConfig) (map[string]interface{}, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("序列化配置失败: %w", err)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("反序列化配置失败: %w", err)
	}
	return out, nil
}

func mustMap(cfg *RuntimeConfig) map[string]interface{} {
	m, err := toMap(cfg)
	if err != nil {
		panic(err)
	}
	return m
}

// deepMerge 递归合并patch到base，patch中的标量和数组整体覆盖
func deepMerge(base, patch map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, pv := range patch {
		if bm, ok := out[k].(map[string]interface{}); ok {
			if pm, ok := pv.(map[string]interface{}); ok {
				out[k] = deepMerge(bm, pm)
				continue
			}
		}
		out[k] = pv
	}
	return out
}

// diff 递归比较两个配置map，输出有序的变更列表
func diff(prefix string, old, new map[string]interface{}) []Change {
	var changes []Change

	keys := make([]string, 0, len(new))
	for k := range new {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}

		ov, nv := old[k], new[k]
		om, oOK := ov.(map[string]interface{})
		nm, nOK := nv.(map[string]interface{})
		if oOK && nOK {
			changes = append(changes, diff(path, om, nm)...)
			continue
		}

		if fmt.Sprintf("%v", ov) != fmt.Sprintf("%v", nv) {
			changes = append(changes, Change{Path: path, Old: ov, New: nv})
		}
	}
	return changes
}
