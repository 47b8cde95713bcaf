package idcard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
)

func TestParseCardLines(t *testing.T) {
	tests := []struct {
		name    string
		lines   []string
		want    *Card
		wantErr bool
	}{
		{
			name:  "inline labels",
			lines: []string{"ACME Logistics", "Employee No: EMP0001", "Name: Taro  Yamada"},
			want:  &Card{EmployeeID: "EMP0001", Name: "Taro Yamada"},
		},
		{
			name:  "labels on their own line",
			lines: []string{"Employee Number", "EMP0042", "Name", "Hanako Sato"},
			want:  &Card{EmployeeID: "EMP0042", Name: "Hanako Sato"},
		},
		{
			name:  "japanese labels",
			lines: []string{"社員番号：A12345", "氏名 山田 太郎"},
			want:  &Card{EmployeeID: "A12345", Name: "山田 太郎"},
		},
		{
			name:  "company name starting with name is not a label",
			lines: []string{"Namekawa Corp", "Employee ID E77", "Full Name: Jiro Suzuki"},
			want:  &Card{EmployeeID: "E77", Name: "Jiro Suzuki"},
		},
		{
			name:    "missing employee number",
			lines:   []string{"Name: Taro Yamada"},
			wantErr: true,
		},
		{
			name:    "malformed employee number",
			lines:   []string{"Employee No: EMP-0001", "Name: Taro Yamada"},
			wantErr: true,
		},
		{
			name:    "missing name",
			lines:   []string{"Employee No: EMP0001"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card, err := ParseCardLines(tt.lines)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFormatMismatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, card)
		})
	}
}

type fakeTextract struct {
	out *textract.DetectDocumentTextOutput
	err error
}

func (f *fakeTextract) DetectDocumentText(context.Context, *textract.DetectDocumentTextInput, ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error) {
	return f.out, f.err
}

func line(text string) types.Block {
	return types.Block{BlockType: types.BlockTypeLine, Text: aws.String(text)}
}

func TestTextractParser_Parse(t *testing.T) {
	api := &fakeTextract{out: &textract.DetectDocumentTextOutput{Blocks: []types.Block{
		{BlockType: types.BlockTypePage},
		line("Employee No: EMP0001"),
		{BlockType: types.BlockTypeWord, Text: aws.String("Employee")},
		line("Name: Taro Yamada"),
	}}}
	p := newTextractParser(api, config.IDCardConfig{MaxImageBytes: 1024}, zap.NewNop())

	card, err := p.Parse(context.Background(), []byte("jpeg"))
	require.NoError(t, err)
	assert.Equal(t, "EMP0001", card.EmployeeID)
	assert.Equal(t, "Taro Yamada", card.Name)
}

func TestTextractParser_Errors(t *testing.T) {
	tests := []struct {
		name  string
		image []byte
		err   error
		want  error
	}{
		{"empty image", nil, nil, ErrFormatMismatch},
		{"too large", make([]byte, 2048), nil, ErrFormatMismatch},
		{"unsupported document", []byte("x"), &smithy.GenericAPIError{Code: "UnsupportedDocumentException"}, ErrFormatMismatch},
		{"throttled", []byte("x"), &smithy.GenericAPIError{Code: "ThrottlingException"}, ErrTransport},
		{"deadline", []byte("x"), context.DeadlineExceeded, ErrTimeout},
		{"network", []byte("x"), errors.New("connection reset"), ErrTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTextractParser(&fakeTextract{err: tt.err}, config.IDCardConfig{MaxImageBytes: 1024, CallTimeout: time.Second}, zap.NewNop())
			_, err := p.Parse(context.Background(), tt.image)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
