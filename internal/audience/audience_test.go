package audience

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/harbor_notify/internal/job"
)

type failingDirectory struct{ err error }

func (d failingDirectory) Eligible(context.Context) ([]string, error) { return nil, d.err }

func TestResolve(t *testing.T) {
	dir := StaticDirectory{"u3", " u1 ", "u2", "u1", ""}
	tests := []struct {
		name    string
		spec    job.TargetSpec
		want    []string
		wantErr error
	}{
		{
			name: "global is sorted and deduplicated",
			spec: job.TargetSpec{Global: true},
			want: []string{"u1", "u2", "u3"},
		},
		{
			name: "explicit keeps first-seen order",
			spec: job.TargetSpec{RecipientIDs: []string{"b", "a", "b", " c"}},
			want: []string{"b", "a", "c"},
		},
		{
			name:    "explicit blanks only",
			spec:    job.TargetSpec{RecipientIDs: []string{" ", ""}},
			wantErr: ErrEmptyAudience,
		},
		{
			name:    "explicit nil",
			spec:    job.TargetSpec{},
			wantErr: ErrEmptyAudience,
		},
	}
	r := NewResolver(dir, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(context.Background(), tt.spec)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolveGlobalEmptyDirectory(t *testing.T) {
	r := NewResolver(nil, nil)
	got, err := r.Resolve(context.Background(), job.TargetSpec{Global: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no recipients, got %v", got)
	}
}

func TestResolveDirectoryError(t *testing.T) {
	boom := errors.New("boom")
	r := NewResolver(failingDirectory{err: boom}, nil)
	_, err := r.Resolve(context.Background(), job.TargetSpec{Global: true})
	if !errors.Is(err, ErrDirectory) || !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestStaticDirectoryReturnsCopy(t *testing.T) {
	d := StaticDirectory{"a"}
	ids, _ := d.Eligible(context.Background())
	ids[0] = "mutated"
	if d[0] != "a" {
		t.Error("directory was mutated through returned slice")
	}
}

func TestRedisDirectoryUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	r := NewResolver(NewRedisDirectory(client, "eligible"), nil)
	_, err := r.Resolve(context.Background(), job.TargetSpec{Global: true})
	if !errors.Is(err, ErrDirectory) {
		t.Errorf("err = %v, want ErrDirectory", err)
	}
}
