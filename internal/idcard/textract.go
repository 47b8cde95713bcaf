// Package idcard reads the employee number and name off an ID-card photo.
package idcard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/util"
)

var (
	ErrFormatMismatch = errors.New("id card format mismatch")
	ErrTimeout        = errors.New("id card parser timeout")
	ErrTransport      = errors.New("id card parser transport error")
)

const (
	employeeNoLabel = `(?i)^(?:employee\s*(?:no\.?|number|id)|社員番号|社員no\.?)`
	nameLabel       = `(?i)^(?:name|full\s*name|氏名)`
	labelSeparator  = `(?:\s*[:：]\s*|\s+)`
)

var (
	employeeNoInline = regexp.MustCompile(employeeNoLabel + labelSeparator + `(\S+)$`)
	employeeNoBare   = regexp.MustCompile(employeeNoLabel + `\s*[:：]?$`)
	nameInline       = regexp.MustCompile(nameLabel + labelSeparator + `(.+)$`)
	nameBare         = regexp.MustCompile(nameLabel + `\s*[:：]?$`)
	employeeIDFormat = regexp.MustCompile(`^[A-Za-z0-9]{1,50}$`)
)

// Card is what the parser could read off the card.
type Card struct {
	EmployeeID string
	Name       string
}

type textractAPI interface {
	DetectDocumentText(ctx context.Context, in *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

type TextractParser struct {
	api    textractAPI
	cfg    config.IDCardConfig
	logger *zap.Logger
}

func NewTextractParser(awsCfg aws.Config, cfg config.IDCardConfig, logger *zap.Logger) *TextractParser {
	return newTextractParser(textract.NewFromConfig(awsCfg), cfg, logger)
}

func newTextractParser(api textractAPI, cfg config.IDCardConfig, logger *zap.Logger) *TextractParser {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &TextractParser{api: api, cfg: cfg, logger: logger}
}

// Parse runs OCR over the image and extracts the card fields.
func (p *TextractParser) Parse(ctx context.Context, image []byte) (*Card, error) {
	if len(image) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrFormatMismatch)
	}
	if p.cfg.MaxImageBytes > 0 && len(image) > p.cfg.MaxImageBytes {
		return nil, fmt.Errorf("%w: image exceeds %d bytes", ErrFormatMismatch, p.cfg.MaxImageBytes)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	out, err := p.api.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: image},
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	lines := make([]string, 0, len(out.Blocks))
	for _, b := range out.Blocks {
		if b.BlockType == types.BlockTypeLine && b.Text != nil {
			lines = append(lines, aws.ToString(b.Text))
		}
	}

	card, err := ParseCardLines(lines)
	if err != nil {
		p.logger.Info("ID card could not be parsed",
			util.Int("lines", len(lines)),
			util.ErrorField(err))
		return nil, err
	}
	return card, nil
}

// ParseCardLines extracts the labelled employee number and name from OCR
// lines. A label on its own line takes its value from the next line.
func ParseCardLines(lines []string) (*Card, error) {
	card := &Card{}
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		next := ""
		if i+1 < len(lines) {
			next = strings.TrimSpace(lines[i+1])
		}

		switch {
		case card.EmployeeID == "" && employeeNoBare.MatchString(line) && next != "":
			card.EmployeeID = strings.Fields(next)[0]
			i++
		case card.EmployeeID == "" && employeeNoInline.MatchString(line):
			card.EmployeeID = employeeNoInline.FindStringSubmatch(line)[1]
		case card.Name == "" && nameBare.MatchString(line) && next != "":
			card.Name = strings.Join(strings.Fields(next), " ")
			i++
		case card.Name == "" && nameInline.MatchString(line):
			card.Name = strings.Join(strings.Fields(nameInline.FindStringSubmatch(line)[1]), " ")
		}
	}

	switch {
	case card.EmployeeID == "":
		return nil, fmt.Errorf("%w: employee number missing", ErrFormatMismatch)
	case !employeeIDFormat.MatchString(card.EmployeeID):
		return nil, fmt.Errorf("%w: employee number malformed", ErrFormatMismatch)
	case card.Name == "":
		return nil, fmt.Errorf("%w: name missing", ErrFormatMismatch)
	}
	return card, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("detect text: %w: %v", ErrTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("detect text: %w: %v", ErrTimeout, err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidParameterException", "UnsupportedDocumentException", "BadDocumentException", "DocumentTooLargeException":
			return fmt.Errorf("detect text: %w: %v", ErrFormatMismatch, err)
		}
	}
	return fmt.Errorf("detect text: %w: %v", ErrTransport, err)
}
