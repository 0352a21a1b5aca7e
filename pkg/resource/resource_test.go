package resource

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	r := New(ServiceEC2, "us-east-1", "arn:aws:ec2:us-east-1:123:instance/i-1", "web")

	assert.Equal(t, ServiceEC2, r.Service)
	assert.Equal(t, "us-east-1", r.Region)
	assert.NotNil(t, r.Tags)
	assert.NotNil(t, r.Details)
	assert.NotNil(t, r.IPs)
}

func TestNormalize_NameFallsBackToARN(t *testing.T) {
	r := Resource{Service: ServiceS3, Region: GlobalRegion, ARN: "arn:aws:s3:::bucket"}

	out, invalid := r.Normalize()

	assert.Empty(t, invalid)
	assert.Equal(t, "arn:aws:s3:::bucket", out.Name)
	assert.NotNil(t, out.Tags)
	assert.NotNil(t, out.Details)
	assert.Empty(t, out.IPs)
}

func TestNormalize_DeduplicatesIPs(t *testing.T) {
	r := New(ServiceEC2, "us-east-1", "i-1", "web")
	r.IPs = []string{"10.0.0.5", "54.1.2.3", "10.0.0.5", " 10.0.0.1 ", "::ffff:10.0.0.5", "garbage"}

	out, invalid := r.Normalize()

	assert.Equal(t, []string{"10.0.0.1", "10.0.0.5", "54.1.2.3"}, out.IPs)
	assert.Equal(t, []string{"garbage"}, invalid)
}

func TestNormalize_DoesNotAliasInput(t *testing.T) {
	r := New(ServiceEC2, "us-east-1", "i-1", "web")
	r.Tags["env"] = "prod"

	out, _ := r.Normalize()
	out.Tags["env"] = "dev"

	assert.Equal(t, "prod", r.Tags["env"])
}

func TestMarkIncomplete(t *testing.T) {
	r := New(ServiceRoute53, GlobalRegion, "arn:aws:route53:::hostedzone/Z1", "example.com.")
	assert.False(t, r.Incomplete())

	r.MarkIncomplete("tags")
	r.MarkIncomplete("records")

	assert.True(t, r.Incomplete())
	assert.Equal(t, []string{"tags", "records"}, r.Details[DetailIncomplete])

	var bare Resource
	bare.MarkIncomplete("tags")
	assert.True(t, bare.Incomplete())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Resource
		wantErr bool
	}{
		{"complete", New(ServiceRDS, "eu-west-1", "arn:aws:rds:db:1", "db"), false},
		{"missing arn", New(ServiceRDS, "eu-west-1", "", "db"), true},
		{"missing region", New(ServiceRDS, "", "arn", "db"), true},
		{"missing service", New("", "eu-west-1", "arn", "db"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIdentityKeyRoundTrip(t *testing.T) {
	id := Identity{Service: ServiceEKSPod, Region: "us-west-2", ARN: "us-west-2/prod/default/api-0"}

	got, err := ParseKey(id.Key())

	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestParseKey_Malformed(t *testing.T) {
	_, err := ParseKey("no-separators")
	assert.Error(t, err)
}

func TestIdentityLess(t *testing.T) {
	a := Identity{Service: ServiceEC2, Region: "us-east-1", ARN: "a"}
	b := Identity{Service: ServiceEC2, Region: "us-east-1", ARN: "b"}
	c := Identity{Service: ServiceELB, Region: "ap-south-1", ARN: "a"}

	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
	assert.True(t, b.Less(c))
}

func TestParseService(t *testing.T) {
	assert.Equal(t, ServiceEC2, ParseService("ec2"))
	assert.Equal(t, ServiceEC2, ParseService("EC2:Instance"))
	assert.Equal(t, ServiceELB, ParseService("elbv2"))
	assert.Equal(t, ServiceEKSPod, ParseService("eks:pod"))
	assert.Equal(t, Service("unknown"), ParseService("unknown"))
	assert.False(t, Service("unknown").Known())
	assert.True(t, ServiceRoute53.Known())
}

func TestIsPublic(t *testing.T) {
	assert.True(t, IsPublic("54.1.2.3"))
	assert.False(t, IsPublic("10.0.0.5"))
	assert.False(t, IsPublic("192.168.1.1"))
	assert.False(t, IsPublic("127.0.0.1"))
	assert.False(t, IsPublic("203.0.113.9"))
	assert.False(t, IsPublic("fe80::1"))
	assert.True(t, IsPublic("2600:1f18::1"))
	assert.False(t, IsPublic("not-an-ip"))
}
