package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamTypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// The managed policy that lets the command agent on each instance register
// with the remote-execution service.
const agentPolicyArn = "arn:aws:iam::aws:policy/AmazonSSMManagedInstanceCore"

type PolicyDocument struct {
	Version   string
	Statement []StatementEntry
}

type StatementEntry struct {
	Effect    string
	Action    []string
	Principal map[string][]string `json:",omitempty"`
	Resource  []string            `json:",omitempty"`
}

// EnsureInstanceProfile creates the IAM role and instance profile the fleet
// launches instances under, if they do not already exist. The role carries
// the command-agent managed policy so created instances accept remote
// commands.
func (p *EC2) EnsureInstanceProfile(ctx context.Context) error {
	_, err := p.iam.GetInstanceProfile(ctx, &iam.GetInstanceProfileInput{
		InstanceProfileName: aws.String(p.input.InstanceProfile),
	})
	if err == nil {
		return nil
	}
	var notFound *iamTypes.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("get instance profile: %w", err)
	}

	assumePolicy := PolicyDocument{
		Version: "2012-10-17",
		Statement: []StatementEntry{{
			Effect:    "Allow",
			Action:    []string{"sts:AssumeRole"},
			Principal: map[string][]string{"Service": {"ec2.amazonaws.com"}},
		}},
	}
	assumePolicyDoc, err := json.Marshal(assumePolicy)
	if err != nil {
		return err
	}
	role, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(p.input.InstanceProfile),
		AssumeRolePolicyDocument: aws.String(string(assumePolicyDoc)),
	})
	if err != nil {
		return fmt.Errorf("create role: %w", err)
	}
	slog.Debug("created role", slog.String("name", aws.ToString(role.Role.RoleName)))

	_, err = p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  role.Role.RoleName,
		PolicyArn: aws.String(agentPolicyArn),
	})
	if err != nil {
		return fmt.Errorf("attach role policy: %w", err)
	}

	insProf, err := p.iam.CreateInstanceProfile(ctx, &iam.CreateInstanceProfileInput{
		InstanceProfileName: aws.String(p.input.InstanceProfile),
	})
	if err != nil {
		return fmt.Errorf("create instance profile: %w", err)
	}
	slog.Debug("created instance profile", slog.String("name", aws.ToString(insProf.InstanceProfile.InstanceProfileName)))

	_, err = p.iam.AddRoleToInstanceProfile(ctx, &iam.AddRoleToInstanceProfileInput{
		InstanceProfileName: insProf.InstanceProfile.InstanceProfileName,
		RoleName:            role.Role.RoleName,
	})
	if err != nil {
		return fmt.Errorf("add role to instance profile: %w", err)
	}

	// IAM needs a few seconds to propagate the instance profile
	time.Sleep(10 * time.Second)

	return nil
}
