package scrape

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/castwatch/telemetry/internal/domain"
)

// lineRe matches `name{label="value",...} value [timestamp]`. The label block
// and the trailing timestamp are optional.
var lineRe = regexp.MustCompile(`^([a-zA-Z_:][a-zA-Z0-9_:]*)(?:\{(.*)\})?\s+(\S+)(?:\s+(-?\d+))?\s*$`)

// labelRe matches one `key="value"` pair; values may contain escaped quotes.
var labelRe = regexp.MustCompile(`([a-zA-Z_][a-zA-Z0-9_]*)="((?:[^"\\]|\\.)*)"`)

// ParseExposition reads a line-oriented text exposition payload and returns
// the samples it contains, in input order. Blank lines and `#` comment lines
// are skipped. Malformed lines are dropped without aborting the pass:
// exposition producers routinely interleave HELP/TYPE and other noise, and a
// single bad line must not cost the rest of the payload. Only a failure to
// read the input itself is an error.
func ParseExposition(r io.Reader) ([]domain.RawSample, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	samples := make([]domain.RawSample, 0)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sample, ok := parseLine(line)
		if !ok {
			continue
		}
		samples = append(samples, sample)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exposition payload: %w", err)
	}
	return samples, nil
}

func parseLine(line string) (domain.RawSample, bool) {
	match := lineRe.FindStringSubmatch(line)
	if match == nil {
		return domain.RawSample{}, false
	}
	value, err := strconv.ParseFloat(match[3], 64)
	if err != nil {
		return domain.RawSample{}, false
	}
	sample := domain.RawSample{
		Name:   match[1],
		Value:  value,
		Labels: parseLabels(match[2]),
	}
	if match[4] != "" {
		ts, err := strconv.ParseInt(match[4], 10, 64)
		if err != nil {
			return domain.RawSample{}, false
		}
		sample.Timestamp = &ts
	}
	return sample, true
}

// parseLabels extracts key="value" pairs. Duplicate keys keep the last value.
func parseLabels(block string) map[string]string {
	if strings.TrimSpace(block) == "" {
		return nil
	}
	labels := make(map[string]string)
	for _, match := range labelRe.FindAllStringSubmatch(block, -1) {
		labels[match[1]] = unescapeLabelValue(match[2])
	}
	if len(labels) == 0 {
		return nil
	}
	return labels
}

func unescapeLabelValue(value string) string {
	if !strings.ContainsRune(value, '\\') {
		return value
	}
	var b strings.Builder
	b.Grow(len(value))
	escaped := false
	for _, r := range value {
		if escaped {
			switch r {
			case 'n':
				b.WriteRune('\n')
			case '\\', '"':
				b.WriteRune(r)
			default:
				b.WriteRune('\\')
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		if r == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(r)
	}
	if escaped {
		b.WriteRune('\\')
	}
	return b.String()
}

// ExpositionLine renders a sample back into the text format with label keys
// in sorted order. Parsing a valid line and re-serializing it preserves
// name, value, and label set.
func ExpositionLine(sample domain.RawSample) string {
	var b strings.Builder
	b.WriteString(sample.Name)
	if len(sample.Labels) > 0 {
		keys := make([]string, 0, len(sample.Labels))
		for key := range sample.Labels {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(key)
			b.WriteString(`="`)
			b.WriteString(escapeLabelValue(sample.Labels[key]))
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(strconv.FormatFloat(sample.Value, 'g', -1, 64))
	if sample.Timestamp != nil {
		b.WriteByte(' ')
		b.WriteString(strconv.FormatInt(*sample.Timestamp, 10))
	}
	return b.String()
}

func escapeLabelValue(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `"`, `\"`)
	return strings.ReplaceAll(value, "\n", `\n`)
}
