package googlespeech

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	speechv1 "cloud.google.com/go/speech/apiv1"
	speechpbv1 "cloud.google.com/go/speech/apiv1/speechpb"
	speechv2 "cloud.google.com/go/speech/apiv2"
	speechpbv2 "cloud.google.com/go/speech/apiv2/speechpb"
	"google.golang.org/api/option"

	"github.com/interviewlift/liftd/pkg/provider/stt"
)

// googleDialer opens streaming sessions against the real Speech-to-Text
// service. Clients are created lazily and cached for the process lifetime;
// each dial opens a fresh gRPC stream on the cached client.
type googleDialer struct {
	cfg       Config
	opts      []option.ClientOption
	projectID string

	mu sync.Mutex
	v2 *speechv2.Client
	v1 *speechv1.Client
}

var _ dialer = (*googleDialer)(nil)

func newGoogleDialer(cfg Config) (*googleDialer, error) {
	creds := cfg.CredentialsJSON
	if creds == nil {
		if cfg.CredentialsFile == "" {
			return nil, ErrNoCredentials
		}
		b, err := os.ReadFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
		}
		creds = b
	}

	// The v2 recognizer path needs the project id, so a key that does not
	// parse or lacks one is unusable even for v1.
	var key struct {
		ProjectID string `json:"project_id"`
	}
	if err := json.Unmarshal(creds, &key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
	}
	if key.ProjectID == "" {
		return nil, fmt.Errorf("%w: missing project_id", ErrMalformedCredentials)
	}

	return &googleDialer{
		cfg:       cfg,
		opts:      []option.ClientOption{option.WithCredentialsJSON(creds)},
		projectID: key.ProjectID,
	}, nil
}

func (d *googleDialer) dial(ctx context.Context, version APIVersion) (stream, error) {
	if version == APIv1 {
		return d.dialV1(ctx)
	}
	return d.dialV2(ctx)
}

func (d *googleDialer) dialV2(ctx context.Context) (stream, error) {
	d.mu.Lock()
	if d.v2 == nil {
		c, err := speechv2.NewClient(ctx, d.opts...)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("create v2 client: %w", err)
		}
		d.v2 = c
	}
	client := d.v2
	d.mu.Unlock()

	s, err := client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open v2 stream: %w", err)
	}

	cfg := &speechpbv2.StreamingRecognizeRequest{
		Recognizer: fmt.Sprintf("projects/%s/locations/global/recognizers/_", d.projectID),
		StreamingRequest: &speechpbv2.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpbv2.StreamingRecognitionConfig{
				Config: &speechpbv2.RecognitionConfig{
					DecodingConfig: &speechpbv2.RecognitionConfig_ExplicitDecodingConfig{
						ExplicitDecodingConfig: &speechpbv2.ExplicitDecodingConfig{
							Encoding:          speechpbv2.ExplicitDecodingConfig_LINEAR16,
							SampleRateHertz:   int32(d.cfg.SampleRate),
							AudioChannelCount: 1,
						},
					},
					LanguageCodes: []string{d.cfg.Language},
					Model:         d.cfg.Model,
				},
				StreamingFeatures: &speechpbv2.StreamingRecognitionFeatures{
					InterimResults: true,
				},
			},
		},
	}
	if err := s.Send(cfg); err != nil {
		return nil, fmt.Errorf("send v2 config: %w", err)
	}
	return &v2stream{s: s}, nil
}

func (d *googleDialer) dialV1(ctx context.Context) (stream, error) {
	d.mu.Lock()
	if d.v1 == nil {
		c, err := speechv1.NewClient(ctx, d.opts...)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("create v1 client: %w", err)
		}
		d.v1 = c
	}
	client := d.v1
	d.mu.Unlock()

	s, err := client.StreamingRecognize(ctx)
	if err != nil {
		return nil, fmt.Errorf("open v1 stream: %w", err)
	}

	cfg := &speechpbv1.StreamingRecognizeRequest{
		StreamingRequest: &speechpbv1.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpbv1.StreamingRecognitionConfig{
				Config: &speechpbv1.RecognitionConfig{
					Encoding:                   speechpbv1.RecognitionConfig_LINEAR16,
					SampleRateHertz:            int32(d.cfg.SampleRate),
					LanguageCode:               d.cfg.Language,
					EnableAutomaticPunctuation: true,
				},
				InterimResults: true,
			},
		},
	}
	if err := s.Send(cfg); err != nil {
		return nil, fmt.Errorf("send v1 config: %w", err)
	}
	return &v1stream{s: s}, nil
}

// v2stream adapts the v2 gRPC stream to the internal stream interface.
type v2stream struct {
	s speechpbv2.Speech_StreamingRecognizeClient
}

func (v *v2stream) send(chunk []byte) error {
	return v.s.Send(&speechpbv2.StreamingRecognizeRequest{
		StreamingRequest: &speechpbv2.StreamingRecognizeRequest_Audio{Audio: chunk},
	})
}

func (v *v2stream) recv() ([]stt.Transcript, error) {
	resp, err := v.s.Recv()
	if err != nil {
		return nil, err
	}
	var out []stt.Transcript
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		out = append(out, stt.Transcript{
			Text:       alts[0].GetTranscript(),
			IsFinal:    res.GetIsFinal(),
			Confidence: float64(alts[0].GetConfidence()),
		})
	}
	return out, nil
}

func (v *v2stream) close() error {
	return v.s.CloseSend()
}

// v1stream adapts the v1 gRPC stream to the internal stream interface.
type v1stream struct {
	s speechpbv1.Speech_StreamingRecognizeClient
}

func (v *v1stream) send(chunk []byte) error {
	return v.s.Send(&speechpbv1.StreamingRecognizeRequest{
		StreamingRequest: &speechpbv1.StreamingRecognizeRequest_AudioContent{
			AudioContent: chunk,
		},
	})
}

func (v *v1stream) recv() ([]stt.Transcript, error) {
	resp, err := v.s.Recv()
	if err != nil {
		return nil, err
	}
	if resp.GetError() != nil {
		return nil, fmt.Errorf("recognition error: %s", resp.GetError().GetMessage())
	}
	var out []stt.Transcript
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		out = append(out, stt.Transcript{
			Text:       alts[0].GetTranscript(),
			IsFinal:    res.GetIsFinal(),
			Confidence: float64(alts[0].GetConfidence()),
		})
	}
	return out, nil
}

func (v *v1stream) close() error {
	return v.s.CloseSend()
}
