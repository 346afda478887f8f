// Command campsync-lambda runs one sync per invocation as an AWS Lambda
// function, configured entirely through the environment.
package main

import (
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/bobuk/campsync/internal/function"
)

func main() {
	h := function.New(os.Getenv, os.Stderr, nil)
	lambda.Start(h.Handle)
}
