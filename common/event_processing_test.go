package common

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)

	type testStruct1 struct {
		result chan int
		value  int
	}
	type testStruct2 struct {
		result chan int
		value  int
	}
	type testStruct3 struct{}

	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			task, ok := p.(testStruct1)
			assert.True(ok)
			task.result <- task.value
			return nil
		},
	}))
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct2{}), func(p interface{}) error {
			task, ok := p.(testStruct2)
			assert.True(ok)
			task.result <- task.value * 2
			return nil
		},
	))

	assert.Nil(uut.StartEventLoop(&wg))

	results := make(chan int, 4)

	// Case 1: tasks run through their registered handlers in order
	{
		assert.Nil(uut.Submit(testStruct1{result: results, value: 1}, ctxt))
		assert.Nil(uut.Submit(testStruct2{result: results, value: 2}, ctxt))
		assert.Nil(uut.Submit(testStruct1{result: results, value: 3}, ctxt))
		for _, expected := range []int{1, 4, 3} {
			select {
			case value := <-results:
				assert.Equal(expected, value)
			case <-time.After(time.Second):
				assert.Fail("timed out waiting for task result")
			}
		}
	}

	// Case 2: a param without a handler is absorbed by the loop
	{
		assert.Nil(uut.Submit(testStruct3{}, ctxt))
		assert.Nil(uut.Submit(testStruct1{result: results, value: 5}, ctxt))
		select {
		case value := <-results:
			assert.Equal(5, value)
		case <-time.After(time.Second):
			assert.Fail("timed out waiting for task result")
		}
	}

	assert.Nil(uut.StopEventLoop())
}

func TestTaskSubmitAfterContextCancel(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(0): func(p interface{}) error { return nil },
	}))
	assert.Nil(uut.StartEventLoop(&wg))

	cancel()
	wg.Wait()

	// nothing drains the buffer anymore, so submission must start failing
	// rather than block
	var submitErr error
	for i := 0; i < 3; i++ {
		if err := uut.Submit(i, context.Background()); err != nil {
			submitErr = err
		}
	}
	assert.NotNil(submitErr)
}
