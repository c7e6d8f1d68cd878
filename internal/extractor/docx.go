package extractor

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
)

// extractDOCX reads paragraph and table-cell text from the OOXML body and
// applies the body parsing rules. Zero token cost.
func extractDOCX(att domain.Attachment, path string) (domain.SourceResult, error) {
	text, err := readDOCXText(path)
	if err != nil {
		return skipped(att, domain.SourceDOCX, err), nil
	}
	return textResult(domain.SourceDOCX, att.Filename, text, domain.MethodNativeText), nil
}

func readDOCXText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("docx open: %w: %v", domain.ErrUnreadableSource, err)
	}
	defer zr.Close()

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return "", fmt.Errorf("docx without word/document.xml: %w", domain.ErrUnreadableSource)
	}

	rc, err := doc.Open()
	if err != nil {
		return "", fmt.Errorf("docx entry open: %w: %v", domain.ErrUnreadableSource, err)
	}
	defer rc.Close()

	return docxBodyText(rc)
}

// docxBodyText walks the XML token stream collecting w:t runs; paragraph
// ends become newlines and table cell ends become separators so that
// label/value pairs in table rows stay on one line.
func docxBodyText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	inText := false
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("docx xml: %w: %v", domain.ErrUnreadableSource, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				b.WriteString("\n")
			case "tc":
				b.WriteString(" ")
			}
		case xml.CharData:
			if inText {
				b.Write(t)
			}
		}
	}
	return b.String(), nil
}
