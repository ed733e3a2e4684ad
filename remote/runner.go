package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmTypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// Invocation is the per-instance outcome of a dispatched command. Pending
// means the command has not finished on that instance yet and the other
// fields carry no meaning.
type Invocation struct {
	InstanceID string
	Region     string
	Pending    bool
	ExitCode   int
	Stdout     string
	Stderr     string
}

// Runner is the remote-execution collaborator: submit one shell command to a
// batch of instances in a region, then poll per-instance results under the
// returned correlation id.
type Runner interface {
	Send(ctx context.Context, region string, ids []string, cmd string) (string, error)
	Invocation(ctx context.Context, region, commandID, instanceID string) (*Invocation, error)
}

const shellDocument = "AWS-RunShellScript"

// SSMRunner implements Runner on the AWS Systems Manager API, one client per
// region.
type SSMRunner struct {
	clients map[string]*ssm.Client
}

func NewSSMRunner(cfg aws.Config, regions []string) *SSMRunner {
	clients := map[string]*ssm.Client{}
	for _, region := range regions {
		clients[region] = ssm.NewFromConfig(cfg, func(o *ssm.Options) {
			o.Region = region
		})
	}
	return &SSMRunner{clients: clients}
}

func (r *SSMRunner) client(region string) (*ssm.Client, error) {
	c, ok := r.clients[region]
	if !ok {
		return nil, fmt.Errorf("no client for region %s", region)
	}
	return c, nil
}

func (r *SSMRunner) Send(ctx context.Context, region string, ids []string, cmd string) (string, error) {
	client, err := r.client(region)
	if err != nil {
		return "", err
	}
	resp, err := client.SendCommand(ctx, &ssm.SendCommandInput{
		InstanceIds:  ids,
		DocumentName: aws.String(shellDocument),
		Parameters:   map[string][]string{"commands": {cmd}},
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(resp.Command.CommandId), nil
}

func (r *SSMRunner) Invocation(ctx context.Context, region, commandID, instanceID string) (*Invocation, error) {
	client, err := r.client(region)
	if err != nil {
		return nil, err
	}
	resp, err := client.GetCommandInvocation(ctx, &ssm.GetCommandInvocationInput{
		CommandId:  aws.String(commandID),
		InstanceId: aws.String(instanceID),
	})
	if err != nil {
		// Right after Send the invocation may not exist yet; that is just
		// another flavor of pending.
		var notYet *ssmTypes.InvocationDoesNotExist
		if errors.As(err, &notYet) {
			return &Invocation{InstanceID: instanceID, Region: region, Pending: true}, nil
		}
		return nil, err
	}

	inv := &Invocation{
		InstanceID: instanceID,
		Region:     region,
		Stdout:     aws.ToString(resp.StandardOutputContent),
		Stderr:     aws.ToString(resp.StandardErrorContent),
		ExitCode:   int(resp.ResponseCode),
	}
	switch resp.Status {
	case ssmTypes.CommandInvocationStatusPending,
		ssmTypes.CommandInvocationStatusInProgress,
		ssmTypes.CommandInvocationStatusDelayed:
		inv.Pending = true
	}
	return inv, nil
}
