package biometric

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"faceauth-service/internal/config"
	"faceauth-service/internal/models"
)

type fakeRekognition struct {
	createIn  *rekognition.CreateFaceLivenessSessionInput
	results   *rekognition.GetFaceLivenessSessionResultsOutput
	resultErr error
	searchIn  *rekognition.SearchFacesByImageInput
	matches   []types.FaceMatch
	searchErr error
	indexIn   *rekognition.IndexFacesInput
	records   []types.FaceRecord
	deleted   []string
}

func (f *fakeRekognition) CreateFaceLivenessSession(_ context.Context, in *rekognition.CreateFaceLivenessSessionInput, _ ...func(*rekognition.Options)) (*rekognition.CreateFaceLivenessSessionOutput, error) {
	f.createIn = in
	return &rekognition.CreateFaceLivenessSessionOutput{SessionId: aws.String("engine-123")}, nil
}

func (f *fakeRekognition) GetFaceLivenessSessionResults(_ context.Context, _ *rekognition.GetFaceLivenessSessionResultsInput, _ ...func(*rekognition.Options)) (*rekognition.GetFaceLivenessSessionResultsOutput, error) {
	return f.results, f.resultErr
}

func (f *fakeRekognition) SearchFacesByImage(_ context.Context, in *rekognition.SearchFacesByImageInput, _ ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error) {
	f.searchIn = in
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return &rekognition.SearchFacesByImageOutput{FaceMatches: f.matches}, nil
}

func (f *fakeRekognition) IndexFaces(_ context.Context, in *rekognition.IndexFacesInput, _ ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error) {
	f.indexIn = in
	return &rekognition.IndexFacesOutput{FaceRecords: f.records}, nil
}

func (f *fakeRekognition) DeleteFaces(_ context.Context, in *rekognition.DeleteFacesInput, _ ...func(*rekognition.Options)) (*rekognition.DeleteFacesOutput, error) {
	f.deleted = append(f.deleted, in.FaceIds...)
	return &rekognition.DeleteFacesOutput{DeletedFaces: in.FaceIds}, nil
}

func (f *fakeRekognition) DescribeCollection(_ context.Context, _ *rekognition.DescribeCollectionInput, _ ...func(*rekognition.Options)) (*rekognition.DescribeCollectionOutput, error) {
	return &rekognition.DescribeCollectionOutput{}, nil
}

func testEngine(api rekognitionAPI) *RekognitionEngine {
	return newRekognitionEngine(api, config.BiometricConfig{
		CollectionID:      "employees",
		LivenessThreshold: 90,
		MatchThreshold:    95,
		OutputBucket:      "liveness-out",
		OutputPrefix:      "liveness/",
		AuditImagesLimit:  2,
		CallTimeout:       time.Second,
	}, "", zap.NewNop())
}

func s3Frame(key string) *types.AuditImage {
	return &types.AuditImage{S3Object: &types.S3Object{Bucket: aws.String("liveness-out"), Name: aws.String(key)}}
}

func TestCreateLivenessSession(t *testing.T) {
	api := &fakeRekognition{}
	id, err := testEngine(api).CreateLivenessSession(context.Background(), "EMP0001")
	require.NoError(t, err)
	assert.Equal(t, "engine-123", id)

	require.NotNil(t, api.createIn.Settings.OutputConfig)
	assert.Equal(t, "liveness/EMP0001/", aws.ToString(api.createIn.Settings.OutputConfig.S3KeyPrefix))
	assert.Contains(t, aws.ToString(api.createIn.ClientRequestToken), "EMP0001-")
	assert.LessOrEqual(t, len(aws.ToString(api.createIn.ClientRequestToken)), 64)
}

func TestFetchLivenessResult_Success(t *testing.T) {
	api := &fakeRekognition{results: &rekognition.GetFaceLivenessSessionResultsOutput{
		SessionId:      aws.String("engine-123"),
		Status:         types.LivenessSessionStatusSucceeded,
		Confidence:     aws.Float32(97.3),
		ReferenceImage: s3Frame("liveness/EMP0001/ref.jpg"),
		AuditImages:    []types.AuditImage{*s3Frame("liveness/EMP0001/audit-1.jpg")},
	}}

	res, err := testEngine(api).FetchLivenessResult(context.Background(), "engine-123")
	require.NoError(t, err)
	assert.Equal(t, models.EngineSuccess, res.EngineStatus)
	assert.True(t, res.IsLive)
	assert.InDelta(t, 97.3, res.Confidence, 0.01)
	require.Len(t, res.Candidates, 2)

	best, ok := res.BestFrame()
	require.True(t, ok)
	assert.Equal(t, "s3://liveness-out/liveness/EMP0001/ref.jpg", best.Handle)
}

func TestFetchLivenessResult_LowConfidence(t *testing.T) {
	api := &fakeRekognition{results: &rekognition.GetFaceLivenessSessionResultsOutput{
		Status:     types.LivenessSessionStatusSucceeded,
		Confidence: aws.Float32(62.0),
	}}

	res, err := testEngine(api).FetchLivenessResult(context.Background(), "engine-123")
	require.NoError(t, err)
	assert.False(t, res.IsLive)
	assert.False(t, res.Passes(90))
}

func TestFetchLivenessResult_UnknownSession(t *testing.T) {
	api := &fakeRekognition{resultErr: &smithy.GenericAPIError{Code: "SessionNotFoundException", Message: "gone"}}

	res, err := testEngine(api).FetchLivenessResult(context.Background(), "engine-404")
	require.NoError(t, err)
	assert.Equal(t, models.EngineNotFound, res.EngineStatus)
}

func TestFetchLivenessResult_ErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException"}, ErrTransport},
		{"generic", errors.New("connection reset by peer"), ErrTransport},
		{"deadline", context.DeadlineExceeded, ErrTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeRekognition{resultErr: tt.err}
			_, err := testEngine(api).FetchLivenessResult(context.Background(), "engine-123")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSearchFace_SortsAndFilters(t *testing.T) {
	api := &fakeRekognition{matches: []types.FaceMatch{
		{Similarity: aws.Float32(95.5), Face: &types.Face{FaceId: aws.String("f-2"), ExternalImageId: aws.String("EMP0002")}},
		{Similarity: aws.Float32(99.1), Face: &types.Face{FaceId: aws.String("f-1"), ExternalImageId: aws.String("EMP0001")}},
		{Similarity: aws.Float32(80), Face: &types.Face{FaceId: aws.String("f-3")}},
	}}

	matches, err := testEngine(api).SearchFace(context.Background(), "s3://liveness-out/ref.jpg", 95)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "f-1", matches[0].FaceReferenceID)
	assert.Equal(t, "f-2", matches[1].FaceReferenceID)

	require.NotNil(t, api.searchIn.Image.S3Object)
	assert.Equal(t, "ref.jpg", aws.ToString(api.searchIn.Image.S3Object.Name))
}

func TestMatchTemplate_OnlyClaimedFaceCounts(t *testing.T) {
	api := &fakeRekognition{matches: []types.FaceMatch{
		{Similarity: aws.Float32(99.9), Face: &types.Face{FaceId: aws.String("someone-else")}},
		{Similarity: aws.Float32(96.1), Face: &types.Face{FaceId: aws.String("claimed")}},
	}}
	engine := testEngine(api)

	ok, similarity, err := engine.MatchTemplate(context.Background(), "s3://liveness-out/ref.jpg", "claimed", 95)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.InDelta(t, 96.1, similarity, 0.01)

	ok, _, err = engine.MatchTemplate(context.Background(), "s3://liveness-out/ref.jpg", "not-in-results", 95)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMatchTemplate_NoFaceIsNoMatch(t *testing.T) {
	api := &fakeRekognition{searchErr: &smithy.GenericAPIError{Code: "InvalidParameterException"}}

	ok, _, err := testEngine(api).MatchTemplate(context.Background(), "s3://liveness-out/ref.jpg", "claimed", 95)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSessionHandleRefetchesFrame(t *testing.T) {
	api := &fakeRekognition{
		results: &rekognition.GetFaceLivenessSessionResultsOutput{
			Status:         types.LivenessSessionStatusSucceeded,
			Confidence:     aws.Float32(99),
			ReferenceImage: &types.AuditImage{Bytes: []byte{0xff, 0xd8}},
		},
		records: []types.FaceRecord{{Face: &types.Face{FaceId: aws.String("face-9")}}},
	}
	engine := testEngine(api)

	res, err := engine.FetchLivenessResult(context.Background(), "engine-123")
	require.NoError(t, err)
	best, ok := res.BestFrame()
	require.True(t, ok)
	assert.Equal(t, "liveness://engine-123/0", best.Handle)

	faceID, err := engine.IndexFace(context.Background(), best.Handle, "EMP0001")
	require.NoError(t, err)
	assert.Equal(t, "face-9", faceID)
	assert.Equal(t, []byte{0xff, 0xd8}, api.indexIn.Image.Bytes)
	assert.Equal(t, "EMP0001", aws.ToString(api.indexIn.ExternalImageId))
}

func TestIndexFace_NoFaceRecorded(t *testing.T) {
	_, err := testEngine(&fakeRekognition{}).IndexFace(context.Background(), "s3://liveness-out/ref.jpg", "EMP0001")
	assert.ErrorIs(t, err, ErrNoFace)
}

func TestBadHandle(t *testing.T) {
	_, err := testEngine(&fakeRekognition{}).SearchFace(context.Background(), "ftp://x/y", 95)
	assert.ErrorIs(t, err, ErrBadHandle)
}

func TestDeleteFace(t *testing.T) {
	api := &fakeRekognition{}
	require.NoError(t, testEngine(api).DeleteFace(context.Background(), "face-1"))
	assert.Equal(t, []string{"face-1"}, api.deleted)
}
