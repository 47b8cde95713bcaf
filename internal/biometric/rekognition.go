// Package biometric adapts AWS Rekognition Face Liveness and face search to
// the operations the auth flow needs. Frames stay inside the engine or its
// S3 output bucket; callers only ever see opaque handles.
package biometric

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/models"
	"faceauth-service/internal/util"
)

const (
	handleSchemeS3       = "s3"
	handleSchemeLiveness = "liveness"
)

// rekognitionAPI is the subset of *rekognition.Client the adapter calls.
type rekognitionAPI interface {
	CreateFaceLivenessSession(ctx context.Context, in *rekognition.CreateFaceLivenessSessionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateFaceLivenessSessionOutput, error)
	GetFaceLivenessSessionResults(ctx context.Context, in *rekognition.GetFaceLivenessSessionResultsInput, optFns ...func(*rekognition.Options)) (*rekognition.GetFaceLivenessSessionResultsOutput, error)
	SearchFacesByImage(ctx context.Context, in *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	DeleteFaces(ctx context.Context, in *rekognition.DeleteFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error)
	DescribeCollection(ctx context.Context, in *rekognition.DescribeCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.DescribeCollectionOutput, error)
}

type RekognitionEngine struct {
	api    rekognitionAPI
	cfg    config.BiometricConfig
	kmsKey string
	logger *zap.Logger
}

func NewRekognitionEngine(awsCfg aws.Config, cfg config.BiometricConfig, kmsKeyID string, logger *zap.Logger) *RekognitionEngine {
	return newRekognitionEngine(rekognition.NewFromConfig(awsCfg), cfg, kmsKeyID, logger)
}

func newRekognitionEngine(api rekognitionAPI, cfg config.BiometricConfig, kmsKeyID string, logger *zap.Logger) *RekognitionEngine {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	if cfg.SearchMaxFaces <= 0 {
		cfg.SearchMaxFaces = 5
	}
	return &RekognitionEngine{api: api, cfg: cfg, kmsKey: kmsKeyID, logger: logger}
}

func (e *RekognitionEngine) LivenessThreshold() float64 { return e.cfg.LivenessThreshold }

func (e *RekognitionEngine) MatchThreshold() float64 { return e.cfg.MatchThreshold }

// CreateLivenessSession opens an engine session. The employee id travels as
// the client request token prefix so engine-side logs can be correlated.
func (e *RekognitionEngine) CreateLivenessSession(ctx context.Context, employeeID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	in := &rekognition.CreateFaceLivenessSessionInput{
		ClientRequestToken: aws.String(clientRequestToken(employeeID)),
		Settings: &types.CreateFaceLivenessSessionRequestSettings{
			AuditImagesLimit: aws.Int32(e.cfg.AuditImagesLimit),
		},
	}
	if e.cfg.OutputBucket != "" {
		in.Settings.OutputConfig = &types.LivenessOutputConfig{
			S3Bucket:    aws.String(e.cfg.OutputBucket),
			S3KeyPrefix: aws.String(e.cfg.OutputPrefix + employeeID + "/"),
		}
	}
	if e.kmsKey != "" {
		in.KmsKeyId = aws.String(e.kmsKey)
	}

	out, err := e.api.CreateFaceLivenessSession(ctx, in)
	if err != nil {
		return "", classify(ctx, "create liveness session", err)
	}
	return aws.ToString(out.SessionId), nil
}

// FetchLivenessResult reads the terminal result of an engine session.
func (e *RekognitionEngine) FetchLivenessResult(ctx context.Context, engineSessionID string) (*models.LivenessResult, error) {
	out, err := e.getResults(ctx, engineSessionID)
	if errors.Is(err, ErrSessionNotFound) {
		return &models.LivenessResult{EngineSessionID: engineSessionID, EngineStatus: models.EngineNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &models.LivenessResult{
		EngineSessionID: engineSessionID,
		EngineStatus:    engineStatus(out.Status),
		Confidence:      float64(aws.ToFloat32(out.Confidence)),
	}
	result.IsLive = result.EngineStatus == models.EngineSuccess && result.Confidence >= e.cfg.LivenessThreshold

	if out.ReferenceImage != nil {
		result.Candidates = append(result.Candidates, models.ReferenceFrame{
			Handle:     frameHandle(engineSessionID, 0, out.ReferenceImage),
			Confidence: result.Confidence,
		})
	}
	// Audit images carry no per-frame score, so they rank below the
	// reference image.
	for i := range out.AuditImages {
		result.Candidates = append(result.Candidates, models.ReferenceFrame{
			Handle: frameHandle(engineSessionID, i+1, &out.AuditImages[i]),
		})
	}

	e.logger.Debug("Liveness result fetched",
		util.String("engine_session_id", engineSessionID),
		util.String("engine_status", string(result.EngineStatus)),
		util.Float64("confidence", result.Confidence),
		util.Int("candidates", len(result.Candidates)))

	return result, nil
}

// SearchFace searches the collection for faces at or above threshold,
// ordered by similarity, highest first.
func (e *RekognitionEngine) SearchFace(ctx context.Context, handle string, threshold float64) ([]models.FaceMatch, error) {
	image, err := e.resolveImage(ctx, handle)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	out, err := e.api.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(e.cfg.CollectionID),
		Image:              image,
		FaceMatchThreshold: aws.Float32(float32(threshold)),
		MaxFaces:           aws.Int32(e.cfg.SearchMaxFaces),
		QualityFilter:      types.QualityFilterAuto,
	})
	if err != nil {
		return nil, classify(ctx, "search faces", err)
	}

	matches := make([]models.FaceMatch, 0, len(out.FaceMatches))
	for _, m := range out.FaceMatches {
		if m.Face == nil {
			continue
		}
		similarity := float64(aws.ToFloat32(m.Similarity))
		if similarity < threshold {
			continue
		}
		matches = append(matches, models.FaceMatch{
			FaceReferenceID: aws.ToString(m.Face.FaceId),
			ExternalID:      aws.ToString(m.Face.ExternalImageId),
			Similarity:      similarity,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	return matches, nil
}

// MatchTemplate reports whether the frame matches one specific enrolled face.
// Hits on other faces in the collection are ignored.
func (e *RekognitionEngine) MatchTemplate(ctx context.Context, handle, faceReferenceID string, threshold float64) (bool, float64, error) {
	matches, err := e.SearchFace(ctx, handle, threshold)
	if err != nil {
		if errors.Is(err, ErrNoFace) {
			return false, 0, nil
		}
		return false, 0, err
	}
	for _, m := range matches {
		if m.FaceReferenceID == faceReferenceID {
			return m.Similarity >= threshold, m.Similarity, nil
		}
	}
	return false, 0, nil
}

// IndexFace adds the frame's face to the collection, tagged with the
// employee id, and returns the engine face id.
func (e *RekognitionEngine) IndexFace(ctx context.Context, handle, employeeID string) (string, error) {
	image, err := e.resolveImage(ctx, handle)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	out, err := e.api.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(e.cfg.CollectionID),
		Image:           image,
		ExternalImageId: aws.String(employeeID),
		MaxFaces:        aws.Int32(1),
		QualityFilter:   types.QualityFilterAuto,
	})
	if err != nil {
		return "", classify(ctx, "index face", err)
	}
	if len(out.FaceRecords) == 0 || out.FaceRecords[0].Face == nil {
		return "", fmt.Errorf("index face: %w", ErrNoFace)
	}

	faceID := aws.ToString(out.FaceRecords[0].Face.FaceId)
	e.logger.Info("Face indexed",
		util.String("employee_id", util.MaskID(employeeID)),
		util.String("face_id", faceID))
	return faceID, nil
}

func (e *RekognitionEngine) DeleteFace(ctx context.Context, faceReferenceID string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	_, err := e.api.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
		CollectionId: aws.String(e.cfg.CollectionID),
		FaceIds:      []string{faceReferenceID},
	})
	if err != nil {
		return classify(ctx, "delete face", err)
	}
	return nil
}

// HealthCheck verifies the collection is reachable.
func (e *RekognitionEngine) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	if _, err := e.api.DescribeCollection(ctx, &rekognition.DescribeCollectionInput{
		CollectionId: aws.String(e.cfg.CollectionID),
	}); err != nil {
		return classify(ctx, "describe collection", err)
	}
	return nil
}

func (e *RekognitionEngine) getResults(ctx context.Context, engineSessionID string) (*rekognition.GetFaceLivenessSessionResultsOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()

	out, err := e.api.GetFaceLivenessSessionResults(ctx, &rekognition.GetFaceLivenessSessionResultsInput{
		SessionId: aws.String(engineSessionID),
	})
	if err != nil {
		return nil, classify(ctx, "get liveness results", err)
	}
	return out, nil
}

// resolveImage turns a handle back into an engine image reference. S3
// handles are passed by location; session handles are re-read from the
// engine.
func (e *RekognitionEngine) resolveImage(ctx context.Context, handle string) (*types.Image, error) {
	u, err := url.Parse(handle)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHandle, err)
	}

	switch u.Scheme {
	case handleSchemeS3:
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, ErrBadHandle
		}
		obj := &types.S3Object{Bucket: aws.String(u.Host), Name: aws.String(key)}
		if v := u.Query().Get("versionId"); v != "" {
			obj.Version = aws.String(v)
		}
		return &types.Image{S3Object: obj}, nil

	case handleSchemeLiveness:
		idx, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/"))
		if err != nil || idx < 0 || u.Host == "" {
			return nil, ErrBadHandle
		}
		out, err := e.getResults(ctx, u.Host)
		if err != nil {
			return nil, err
		}
		var frame *types.AuditImage
		if idx == 0 {
			frame = out.ReferenceImage
		} else if idx-1 < len(out.AuditImages) {
			frame = &out.AuditImages[idx-1]
		}
		if frame == nil || len(frame.Bytes) == 0 {
			return nil, fmt.Errorf("%w: frame %d of %s is gone", ErrBadHandle, idx, u.Host)
		}
		return &types.Image{Bytes: frame.Bytes}, nil
	}
	return nil, ErrBadHandle
}

// frameHandle prefers the S3 location when the engine wrote one.
func frameHandle(engineSessionID string, idx int, img *types.AuditImage) string {
	if img.S3Object != nil && img.S3Object.Bucket != nil && img.S3Object.Name != nil {
		u := url.URL{
			Scheme: handleSchemeS3,
			Host:   aws.ToString(img.S3Object.Bucket),
			Path:   "/" + aws.ToString(img.S3Object.Name),
		}
		if v := aws.ToString(img.S3Object.Version); v != "" {
			u.RawQuery = url.Values{"versionId": {v}}.Encode()
		}
		return u.String()
	}
	return fmt.Sprintf("%s://%s/%d", handleSchemeLiveness, engineSessionID, idx)
}

func engineStatus(s types.LivenessSessionStatus) models.EngineStatus {
	switch s {
	case types.LivenessSessionStatusSucceeded:
		return models.EngineSuccess
	case types.LivenessSessionStatusFailed:
		return models.EngineFailed
	case types.LivenessSessionStatusExpired:
		return models.EngineExpired
	case types.LivenessSessionStatusCreated, types.LivenessSessionStatusInProgress:
		return models.EnginePending
	}
	return models.EngineFailed
}

// clientRequestToken must be 1-64 characters.
func clientRequestToken(employeeID string) string {
	token := fmt.Sprintf("%s-%d", employeeID, time.Now().UnixNano())
	if len(token) > 64 {
		token = token[len(token)-64:]
	}
	return token
}
