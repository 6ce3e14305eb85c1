package delta

import "reflect"

// 属性值为 nil 表示"移除该属性"（对应 JSON 里的 null）

func normalize(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if len(attrs) == 0 {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func AttributesEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// ComposeAttributes 先应用 a 再应用 b 的结果。
// keepNull 为 true 时保留 b 中的 nil（作用于 retain 时需要继续传播"移除"语义）。
func ComposeAttributes(a, b map[string]any, keepNull bool) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	for k, v := range a {
		if _, ok := b[k]; ok {
			continue
		}
		// a 中的 nil 表示移除属性，两个 retain 合并时要保留
		if v == nil && !keepNull {
			continue
		}
		out[k] = v
	}
	return normalize(out)
}

// TransformAttributes 把 b 的属性变更变换到 a 之后。
// priority 为 true 表示 a 先发生，冲突的 key 以 a 为准。
func TransformAttributes(a, b map[string]any, priority bool) map[string]any {
	if len(a) == 0 {
		return normalize(b)
	}
	if len(b) == 0 {
		return nil
	}
	if !priority {
		return normalize(b)
	}
	out := make(map[string]any, len(b))
	for k, v := range b {
		if _, ok := a[k]; !ok {
			out[k] = v
		}
	}
	return normalize(out)
}
