package content

import (
	"fmt"
	"strconv"
	"strings"
)

// RangeKind 描述 Range 请求头的解析结果。
type RangeKind int

const (
	// RangeNone 表示没有（或忽略了）Range 头，返回完整内容。
	RangeNone RangeKind = iota
	// RangeSatisfiable 表示单个可满足区间，返回 206。
	RangeSatisfiable
	// RangeUnsatisfiable 表示区间完全落在文件之外，返回 416。
	RangeUnsatisfiable
)

// ByteRange 是闭区间 [Start, End]。
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the number of bytes covered by the range.
func (r ByteRange) Length() int64 {
	return r.End - r.Start + 1
}

// ContentRange 生成 206 响应的 Content-Range 头。
func (r ByteRange) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, size)
}

// UnsatisfiedRange 生成 416 响应的 Content-Range 头。
func UnsatisfiedRange(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// ParseRange 按 RFC 9110 解析单区间 Range 头。多区间与语法错误的头被忽略
// （按完整内容响应），只有语法正确但无法满足的区间返回 RangeUnsatisfiable。
func ParseRange(header string, size int64) (ByteRange, RangeKind) {
	header = strings.TrimSpace(header)
	if header == "" {
		return ByteRange{}, RangeNone
	}
	unit, spec, ok := strings.Cut(header, "=")
	if !ok || !strings.EqualFold(strings.TrimSpace(unit), "bytes") {
		return ByteRange{}, RangeNone
	}
	spec = strings.TrimSpace(spec)
	if spec == "" || strings.Contains(spec, ",") {
		return ByteRange{}, RangeNone
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return ByteRange{}, RangeNone
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		// 后缀区间：最后 n 个字节。
		n, ok := parseOffset(last)
		if !ok {
			return ByteRange{}, RangeNone
		}
		if n == 0 || size == 0 {
			return ByteRange{}, RangeUnsatisfiable
		}
		if n > size {
			n = size
		}
		return ByteRange{Start: size - n, End: size - 1}, RangeSatisfiable
	}

	start, ok := parseOffset(first)
	if !ok {
		return ByteRange{}, RangeNone
	}
	end := size - 1
	if last != "" {
		parsed, ok := parseOffset(last)
		if !ok || parsed < start {
			return ByteRange{}, RangeNone
		}
		if parsed < end {
			end = parsed
		}
	}
	if start >= size {
		return ByteRange{}, RangeUnsatisfiable
	}
	return ByteRange{Start: start, End: end}, RangeSatisfiable
}

func parseOffset(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	for _, ch := range raw {
		if ch < '0' || ch > '9' {
			return 0, false
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
