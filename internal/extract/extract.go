package extract

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
)

// MimePDF and MimeDocx are the binary resume formats we can read.
const (
	MimePDF  = "application/pdf"
	MimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
)

// Text pulls plain text out of an uploaded resume. Unsupported mime types are
// an error so the caller can surface an unprocessable-input failure.
func Text(mime string, data []byte) (string, error) {
	switch mime {
	case "text/plain":
		return string(data), nil
	case MimePDF:
		return pdfText(data)
	case MimeDocx:
		return docxText(data)
	default:
		return "", fmt.Errorf("unsupported file type: %s", mime)
	}
}

func pdfText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("read pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, _ := page.GetPlainText(nil)
		b.WriteString(text)
	}
	return b.String(), nil
}

func docxText(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

// ReadAll is a convenience for collaborators handing us streaming bodies.
func ReadAll(r io.Reader) ([]byte, error) {
	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return buf.Bytes(), nil
}
