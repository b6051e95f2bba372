package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
)

// Output печатает данные команды: таблицей для людей, JSON для машин.
// Данные идут в stdout, служебные сообщения — в stderr, чтобы вывод
// можно было пайпить.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

func NewOutput(jsonMode bool) *Output {
	return &Output{
		jsonMode: jsonMode,
		w:        os.Stdout,
		errW:     os.Stderr,
	}
}

// Print выбирает формат по режиму: Table для headers/rows либо JSON
// для jsonData.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.Table(headers, rows)
}

// Table печатает выровненную таблицу с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, strings.Join(headers, "\t"))

	underline := make([]string, len(headers))
	for i, h := range headers {
		underline[i] = strings.Repeat("-", len(h))
	}
	fmt.Fprintln(tw, strings.Join(underline, "\t"))

	for _, row := range rows {
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
}

// JSON печатает значение с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

// Success пишет сообщение об успехе в stderr.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

// Error пишет сообщение об ошибке в stderr.
func (o *Output) Error(msg string) {
	fmt.Fprintln(o.errW, "Error: "+msg)
}

// orDash заменяет пустую ячейку прочерком.
func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
